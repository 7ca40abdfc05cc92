// Package regexutil 提供带并发安全缓存的正则表达式编译工具
package regexutil

import (
	"regexp"
	"sync"
)

// Cache 正则表达式编译器缓存
// 内部使用 sync.Map，特征表在启动时编译一次，之后只读
type Cache struct {
	cache sync.Map
}

// New 创建一个新的正则缓存实例
func New() *Cache {
	return &Cache{}
}

// Get 获取编译后的正则表达式，未命中时编译并存入缓存
func (c *Cache) Get(p string) (*regexp.Regexp, error) {
	if val, ok := c.cache.Load(p); ok {
		return val.(*regexp.Regexp), nil
	}

	compiled, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}

	// 并发编译同一 pattern 时以先存入者为准
	actual, _ := c.cache.LoadOrStore(p, compiled)
	return actual.(*regexp.Regexp), nil
}

// Match 判断 s 是否匹配 p，非法正则视为不匹配
func (c *Cache) Match(p, s string) bool {
	re, err := c.Get(p)
	return err == nil && re.MatchString(s)
}

// FirstGroup 依次尝试各个 pattern，返回首个非空的第一捕获组
func (c *Cache) FirstGroup(patterns []string, s string) string {
	for _, p := range patterns {
		re, err := c.Get(p)
		if err != nil {
			continue
		}
		if m := re.FindStringSubmatch(s); len(m) > 1 && m[1] != "" {
			return m[1]
		}
	}
	return ""
}
