package regexutil_test

import (
	"sync"
	"testing"

	"github.com/vanhao1997/unified-pixel-inspector/internal/regexutil"
)

// TestCache_Hit 验证缓存命中逻辑：相同的 pattern 应该返回同一个对象指针
func TestCache_Hit(t *testing.T) {
	c := regexutil.New()
	pattern := `facebook\.com/tr`

	// 第一次获取
	re1, err := c.Get(pattern)
	if err != nil {
		t.Fatalf("第一次获取失败: %v", err)
	}

	// 第二次获取
	re2, err := c.Get(pattern)
	if err != nil {
		t.Fatalf("第二次获取失败: %v", err)
	}

	// 验证指针地址是否一致
	if re1 != re2 {
		t.Errorf("缓存失效：两次获取相同 pattern 返回了不同的对象指针")
	}
}

// TestCache_InvalidRegex 验证非法正则表达式的处理
func TestCache_InvalidRegex(t *testing.T) {
	c := regexutil.New()
	invalidPattern := `[` // 非法正则

	_, err := c.Get(invalidPattern)
	if err == nil {
		t.Error("期望非法正则返回错误，但实际未返回")
	}
}

// TestCache_Concurrency 验证并发安全性
func TestCache_Concurrency(t *testing.T) {
	c := regexutil.New()
	pattern := `[a-z]+`

	const numGoroutines = 100
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	// 启动 100 个协程同时获取同一个正则
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := c.Get(pattern)
			if err != nil {
				t.Errorf("并发获取失败: %v", err)
			}
		}()
	}

	wg.Wait()
}

// TestCache_MultiplePatterns 验证多个不同正则的缓存
func TestCache_MultiplePatterns(t *testing.T) {
	c := regexutil.New()
	patterns := []string{`^abc`, `\d+`, `.*\.js$`}

	for _, p := range patterns {
		re1, _ := c.Get(p)
		re2, _ := c.Get(p)
		if re1 != re2 {
			t.Errorf("Pattern %s 缓存失效", p)
		}
	}
}

// TestCache_Concurrency_SameInstance 验证并发编译同一 pattern 得到同一个对象
func TestCache_Concurrency_SameInstance(t *testing.T) {
	c := regexutil.New()
	const n = 50
	results := make(chan any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			re, _ := c.Get(`(?i)[?&]sdkid=([A-Z0-9]+)`)
			results <- re
		}()
	}
	wg.Wait()
	close(results)

	first := <-results
	for re := range results {
		if re != first {
			t.Fatal("并发获取返回了不同的对象")
		}
	}
}

func TestCache_Match(t *testing.T) {
	c := regexutil.New()
	if !c.Match(`analytics\.tiktok\.com`, "https://analytics.tiktok.com/api") {
		t.Error("期望匹配")
	}
	if c.Match(`[`, "anything") {
		t.Error("非法正则应视为不匹配")
	}
}

func TestCache_FirstGroup(t *testing.T) {
	c := regexutil.New()
	tests := []struct {
		name     string
		patterns []string
		input    string
		want     string
	}{
		{"首个命中", []string{`tid=([^&]+)`, `id=([^&]+)`}, "?tid=G-1&id=X", "G-1"},
		{"回退到第二个", []string{`tid=([^&]+)`, `[?&]id=([^&]+)`}, "?id=AW-2", "AW-2"},
		{"跳过非法正则", []string{`[`, `ev=([^&]+)`}, "?ev=Lead", "Lead"},
		{"无命中", []string{`ev=([^&]+)`}, "?x=1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.FirstGroup(tt.patterns, tt.input); got != tt.want {
				t.Errorf("FirstGroup = %q, 期望 %q", got, tt.want)
			}
		})
	}
}
