package collector

import (
	"github.com/ua-parser/uap-go/uaparser"
)

// Browser 浏览器名称和版本
type Browser struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// OS 操作系统名称和版本
type OS struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// UserAgentParser 把User-Agent解析为浏览器、系统和设备
type UserAgentParser struct {
	parser *uaparser.Parser
}

// NewUserAgentParser 使用内置规则创建解析器，创建开销较大，应复用
func NewUserAgentParser() *UserAgentParser {
	return &UserAgentParser{parser: uaparser.NewFromSaved()}
}

// Parse 解析User-Agent；空串返回零值
func (p *UserAgentParser) Parse(ua string) (Browser, OS, string) {
	if ua == "" {
		return Browser{}, OS{}, ""
	}
	c := p.parser.Parse(ua)
	return Browser{Name: c.UserAgent.Family, Version: c.UserAgent.ToVersionString()},
		OS{Name: c.Os.Family, Version: c.Os.ToVersionString()},
		c.Device.ToString()
}
