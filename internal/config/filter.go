package config

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// filterCacheSize 过滤结果缓存容量
const filterCacheSize = 1024

// Filter 编译单元名称过滤器
//
// 语法：逗号分隔的片段，以 "~" 开头的片段表示排除，按子串包含匹配。
// 没有包含片段时默认全部包含。
type Filter struct {
	source   string
	includes []string
	excludes []string
	cache    *lru.Cache[string, bool]
}

// ParseFilter 解析过滤器字符串
func ParseFilter(s string) *Filter {
	f := &Filter{source: s}
	for _, token := range strings.Split(s, ",") {
		token = strings.TrimSpace(token)
		if token == "" || token == "~" {
			continue
		}
		if strings.HasPrefix(token, "~") {
			f.excludes = append(f.excludes, token[1:])
		} else {
			f.includes = append(f.includes, token)
		}
	}
	// 容量为正时 lru.New 不会失败
	f.cache, _ = lru.New[string, bool](filterCacheSize)
	return f
}

// String 返回原始过滤器字符串
func (f *Filter) String() string {
	return f.source
}

// Empty 过滤器是否为空（接受一切）
func (f *Filter) Empty() bool {
	return len(f.includes) == 0 && len(f.excludes) == 0
}

// Accept 判断名称是否允许编译
func (f *Filter) Accept(name string) bool {
	if f == nil || f.Empty() {
		return true
	}
	if accepted, ok := f.cache.Get(name); ok {
		return accepted
	}
	accepted := f.match(name)
	f.cache.Add(name, accepted)
	return accepted
}

func (f *Filter) match(name string) bool {
	included := len(f.includes) == 0
	for _, include := range f.includes {
		if strings.Contains(name, include) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, exclude := range f.excludes {
		if strings.Contains(name, exclude) {
			return false
		}
	}
	return true
}
