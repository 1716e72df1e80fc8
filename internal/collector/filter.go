package collector

import (
	"errors"
	"fmt"
	"strings"

	"JornadaAgent/internal/search"
)

// ErrUnknownField 检索表达式引用了不存在的会话字段
var ErrUnknownField = errors.New("collector: unknown search field")

// ListOptions 会话列表的分页与检索条件
type ListOptions struct {
	Offset int
	Limit  int
	// Query 为nil时不过滤
	Query *search.Query
}

const metaPrefix = "meta."

// sessionColumns 可检索字段到 sessions 表列的映射
var sessionColumns = map[string]string{
	"id":              "id",
	"client_id":       "client_id",
	"user.id":         "user_id",
	"user.email":      "user_email",
	"user.name":       "user_name",
	"user_agent":      "user_agent",
	"browser":         "browser_name",
	"browser.version": "browser_version",
	"os":              "os_name",
	"os.version":      "os_version",
	"device":          "device",
}

// ParseQuery 解析检索表达式并校验字段
func ParseQuery(q string) (*search.Query, error) {
	query, err := search.Parse(q)
	if err != nil {
		return nil, err
	}
	for _, c := range query.Conds() {
		if _, ok := sessionColumns[c.Field]; ok {
			continue
		}
		if strings.HasPrefix(c.Field, metaPrefix) && len(c.Field) > len(metaPrefix) {
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, c.Field)
	}
	return query, nil
}

// Field 读取检索字段的值
func (s Session) Field(name string) (string, bool) {
	if key, ok := strings.CutPrefix(name, metaPrefix); ok {
		v, found := s.Meta[key]
		return v, found
	}
	switch name {
	case "id":
		return s.ID, true
	case "client_id":
		return s.ClientTag, true
	case "user.id":
		return s.User.ID, true
	case "user.email":
		return s.User.Email, true
	case "user.name":
		return s.User.Name, true
	case "user_agent":
		return s.UserAgent, true
	case "browser":
		return s.Browser.Name, true
	case "browser.version":
		return s.Browser.Version, true
	case "os":
		return s.OS.Name, true
	case "os.version":
		return s.OS.Version, true
	case "device":
		return s.Device, true
	}
	return "", false
}

// sessionColumn 检索字段对应的SQL表达式，元数据键作为参数传入
func sessionColumn(field string, arg func(any) string) (string, error) {
	if key, ok := strings.CutPrefix(field, metaPrefix); ok && key != "" {
		return "(meta ->> " + arg(key) + "::text)", nil
	}
	if col, ok := sessionColumns[field]; ok {
		return col, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
}
