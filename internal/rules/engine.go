package rules

import (
	"sort"
	"strings"

	"netsense/pkg/model"
)

// Set 一个根源站下的子路径前缀集合
type Set struct {
	prefixes []string
}

// New 规范化并去重前缀，空前缀被忽略
func New(prefixes []string) *Set {
	seen := make(map[string]struct{}, len(prefixes))
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = model.NormalizeSubpath(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return &Set{prefixes: out}
}

// Empty 是否没有任何前缀
func (s *Set) Empty() bool { return s == nil || len(s.prefixes) == 0 }

// Len 前缀数量
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

// Prefixes 返回前缀副本
func (s *Set) Prefixes() []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s.prefixes))
	copy(out, s.prefixes)
	return out
}

// Match 返回所有匹配的前缀，保持注册顺序
func (s *Set) Match(rawURL string) []string {
	if s.Empty() {
		return nil
	}
	u := model.StripScheme(strings.ToLower(strings.TrimSpace(rawURL)))
	var out []string
	for _, p := range s.prefixes {
		if strings.HasPrefix(u, p) {
			out = append(out, p)
		}
	}
	return out
}

// Equal 两个集合是否包含相同前缀
func (s *Set) Equal(o *Set) bool {
	a, b := s.Prefixes(), o.Prefixes()
	if len(a) != len(b) {
		return false
	}
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
