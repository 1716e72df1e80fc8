package session

import "maps"

// DefaultClientTag 未设置客户端标识时的默认值
const DefaultClientTag = "default"

// User 会话用户信息
type User struct {
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Descriptor 当前录制会话的描述。
// 每次读取都从存储重建，调用方拿到的是独立副本。
type Descriptor struct {
	ID        string            `json:"id,omitempty"`
	ClientTag string            `json:"clientId"`
	User      User              `json:"user"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// DefaultDescriptor 返回尚未持久化的默认描述
func DefaultDescriptor() Descriptor {
	return Descriptor{ClientTag: DefaultClientTag}
}

// Clone 深拷贝
func (d Descriptor) Clone() Descriptor {
	d.Meta = maps.Clone(d.Meta)
	return d
}

// Registered 服务端是否已分配ID
func (d Descriptor) Registered() bool {
	return d.ID != ""
}

// Patch 部分更新，只在顶层做浅合并：
// 提供的字段整体替换（设置User会替换整个用户对象）
type Patch struct {
	ID        *string
	ClientTag *string
	User      *User
	Meta      map[string]string
	MetaSet   bool
}

// WithID 设置ID
func (p Patch) WithID(id string) Patch {
	p.ID = &id
	return p
}

// WithClientTag 设置客户端标识
func (p Patch) WithClientTag(tag string) Patch {
	p.ClientTag = &tag
	return p
}

// WithUser 替换用户
func (p Patch) WithUser(user User) Patch {
	p.User = &user
	return p
}

// WithMeta 替换自定义元数据
func (p Patch) WithMeta(meta map[string]string) Patch {
	p.Meta = maps.Clone(meta)
	p.MetaSet = true
	return p
}

// Empty 是否没有任何字段
func (p Patch) Empty() bool {
	return p.ID == nil && p.ClientTag == nil && p.User == nil && !p.MetaSet
}

// Apply 将补丁合并到描述上，返回新值
func (p Patch) Apply(d Descriptor) Descriptor {
	out := d.Clone()
	if p.ID != nil {
		out.ID = *p.ID
	}
	if p.ClientTag != nil {
		out.ClientTag = *p.ClientTag
	}
	if p.User != nil {
		out.User = *p.User
	}
	if p.MetaSet {
		out.Meta = maps.Clone(p.Meta)
	}
	return out
}
