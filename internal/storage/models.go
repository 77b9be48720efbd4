package storage

import (
	"time"

	"netsense/pkg/model"
)

// Setting 键值设置表
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// 预定义的设置 Key
const (
	SettingKeyRecordCount  = "record_count"
	SettingKeyOwnerContact = "owner_contact"
)

// OriginRecord 顶级站点表
type OriginRecord struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Subpaths  []string  `gorm:"serializer:json;type:text" json:"subpaths"` // 子路径成员，与子路径表双向一致
	CreatedAt time.Time `json:"createdAt"`
}

// SubpathRecord 子路径规则表
type SubpathRecord struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Origin    string    `gorm:"index;not null" json:"origin"`
	Subpath   string    `gorm:"not null" json:"subpath"`
	Logging   bool      `gorm:"default:false" json:"logging"`
	Endpoints []string  `gorm:"serializer:json;type:text" json:"endpoints"`
	Scripts   []string  `gorm:"serializer:json;type:text" json:"scripts"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// EndpointRecord 转发目标表
type EndpointRecord struct {
	URL       string    `gorm:"primaryKey" json:"url"`
	CreatedAt time.Time `json:"createdAt"`
}

// ScriptRecord 脚本表
type ScriptRecord struct {
	Name      string    `gorm:"primaryKey" json:"name"`
	Content   string    `gorm:"type:text;not null" json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (r OriginRecord) toModel() model.TrackedOrigin {
	return model.TrackedOrigin{Name: r.Name, Created: r.CreatedAt, Subpaths: nonNil(r.Subpaths)}
}

func (r SubpathRecord) toModel() model.TrackedSubpath {
	return model.TrackedSubpath{
		Key:       r.Key,
		Origin:    r.Origin,
		Subpath:   r.Subpath,
		Created:   r.CreatedAt,
		Logging:   r.Logging,
		Endpoints: nonNil(r.Endpoints),
		Scripts:   nonNil(r.Scripts),
		Version:   r.Version,
	}
}

func (r EndpointRecord) toModel() model.Endpoint {
	return model.Endpoint{URL: r.URL, Created: r.CreatedAt}
}

func (r ScriptRecord) toModel() model.Script {
	return model.Script{Name: r.Name, Created: r.CreatedAt, Content: r.Content}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func addUnique(s []string, v string) ([]string, bool) {
	for _, x := range s {
		if x == v {
			return s, false
		}
	}
	return append(s, v), true
}

func removeValue(s []string, v string) ([]string, bool) {
	out := make([]string, 0, len(s))
	found := false
	for _, x := range s {
		if x == v {
			found = true
			continue
		}
		out = append(out, x)
	}
	return out, found
}
