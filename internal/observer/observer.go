// Package observer 根据浏览器已发出的请求 URL 识别追踪像素
package observer

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/vanhao1997/unified-pixel-inspector/internal/regexutil"
	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

// SourceNetwork 网络侧观测来源
const SourceNetwork = "network"

// Signature 单个平台的请求特征，按顺序尝试各个提取规则，首个命中者生效
type Signature struct {
	Platform domain.Platform
	Host     string   // 匹配请求 URL 的正则
	PixelID  []string // 第一个捕获组为像素ID
	Event    []string // 第一个捕获组为事件名
}

// DefaultSignatures 内置的平台请求特征
var DefaultSignatures = []Signature{
	{
		Platform: domain.PlatformTikTok,
		Host:     `analytics\.tiktok\.com`,
		PixelID:  []string{`(?i)[?&]sdkid=([A-Z0-9]+)`},
		Event:    []string{`(?i)[?&]event=([^&#]+)`},
	},
	{
		Platform: domain.PlatformMeta,
		Host:     `facebook\.com/tr`,
		PixelID:  []string{`(?i)[?&]id=(\d+)`},
		Event:    []string{`(?i)[?&]ev=([^&#]+)`},
	},
	{
		Platform: domain.PlatformGoogle,
		Host:     `google-analytics\.com|googletagmanager\.com`,
		PixelID:  []string{`(?i)[?&]tid=([^&#]+)`, `(?i)[?&]id=([^&#]+)`},
		Event:    []string{`(?i)[?&]en=([^&#]+)`, `(?i)[?&]t=([^&#]+)`},
	},
	{
		Platform: domain.PlatformZalo,
		Host:     `zalo\.me|zaloapp\.com`,
		PixelID:  []string{`(?i)[?&]pixelId=(\d+)`, `(?i)[?&]pixel_id=(\d+)`},
	},
	{
		Platform: domain.PlatformLinkedIn,
		Host:     `px\.ads\.linkedin\.com`,
		PixelID:  []string{`(?i)[?&]pid=(\d+)`},
		Event:    []string{`(?i)[?&]conversionId=(\d+)`},
	},
}

// Observation 一次请求的识别结果
type Observation struct {
	Detected domain.PixelDetected
	Event    *domain.EventCaptured
}

// Observer 请求分类器
type Observer struct {
	cache *regexutil.Cache
	sigs  []Signature
}

// New 使用内置特征创建分类器
func New() *Observer {
	o, err := NewWithSignatures(DefaultSignatures)
	if err != nil {
		panic(err)
	}
	return o
}

// NewWithSignatures 使用自定义特征创建分类器，预先编译全部正则
func NewWithSignatures(sigs []Signature) (*Observer, error) {
	o := &Observer{cache: regexutil.New(), sigs: sigs}
	for _, s := range sigs {
		patterns := append([]string{s.Host}, s.PixelID...)
		patterns = append(patterns, s.Event...)
		for _, p := range patterns {
			if _, err := o.cache.Get(p); err != nil {
				return nil, fmt.Errorf("signature %s: %w", s.Platform, err)
			}
		}
	}
	return o, nil
}

// Classify 识别请求 URL，未命中任何平台时返回 false
func (o *Observer) Classify(rawURL string) (Observation, bool) {
	for _, s := range o.sigs {
		if !o.match(s.Host, rawURL) {
			continue
		}
		pixelID := o.extract(s.PixelID, rawURL)
		obs := Observation{
			Detected: domain.PixelDetected{
				Platform: s.Platform,
				PixelID:  pixelID,
				Status:   domain.StatusFired,
				Source:   SourceNetwork,
			},
		}
		if ev := o.extract(s.Event, rawURL); ev != "" {
			obs.Event = &domain.EventCaptured{
				Platform: s.Platform,
				Event:    ev,
				Params:   map[string]any{"url": rawURL},
				PixelID:  pixelID,
			}
		}
		return obs, true
	}
	return Observation{}, false
}

// Messages 转换为按发射顺序排列的消息：先检测后事件
func (obs Observation) Messages(tab domain.TabID) []domain.Message {
	out := make([]domain.Message, 0, 2)
	if data, err := json.Marshal(obs.Detected); err == nil {
		out = append(out, domain.Message{Type: domain.MessagePixelDetected, TabID: domain.Tab(tab), Data: data})
	}
	if obs.Event != nil {
		if data, err := json.Marshal(obs.Event); err == nil {
			out = append(out, domain.Message{Type: domain.MessageEventCaptured, TabID: domain.Tab(tab), Data: data})
		}
	}
	return out
}

func (o *Observer) match(pattern, s string) bool {
	return o.cache.Match(pattern, s)
}

// extract 返回首个命中的捕获组并做 URL 解码
func (o *Observer) extract(patterns []string, s string) string {
	v := o.cache.FirstGroup(patterns, s)
	if v == "" {
		return ""
	}
	if decoded, err := url.QueryUnescape(v); err == nil {
		return decoded
	}
	return v
}
