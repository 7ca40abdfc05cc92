package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

const dataLayerExpr = `JSON.stringify(window.dataLayer || [])`

// session 单个页面目标的连接
type session struct {
	bridge *Bridge
	id     domain.TargetID
	tab    domain.TabID
	conn   *rpcc.Conn
	client *cdp.Client
	cancel context.CancelFunc

	mu        sync.Mutex
	mainFrame page.FrameID
	closeOnce sync.Once
}

// run 订阅网络与页面事件并按到达顺序处理，直到连接关闭
func (s *session) run(ctx context.Context) error {
	willBeSent, err := s.client.Network.RequestWillBeSent(ctx)
	if err != nil {
		return err
	}
	defer willBeSent.Close()

	finished, err := s.client.Network.LoadingFinished(ctx)
	if err != nil {
		return err
	}
	defer finished.Close()

	failed, err := s.client.Network.LoadingFailed(ctx)
	if err != nil {
		return err
	}
	defer failed.Close()

	started, err := s.client.Page.FrameStartedLoading(ctx)
	if err != nil {
		return err
	}
	defer started.Close()

	navigated, err := s.client.Page.FrameNavigated(ctx)
	if err != nil {
		return err
	}
	defer navigated.Close()

	// 保证跨流的事件按浏览器发送顺序交付
	if err := cdp.Sync(willBeSent, finished, failed, started, navigated); err != nil {
		return err
	}

	if err := s.client.Network.Enable(ctx, nil); err != nil {
		return fmt.Errorf("enable network: %w", err)
	}
	if err := s.client.Page.Enable(ctx); err != nil {
		return fmt.Errorf("enable page: %w", err)
	}
	if tree, err := s.client.Page.GetFrameTree(ctx); err == nil {
		s.setMainFrame(tree.FrameTree.Frame.ID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-willBeSent.Ready():
			ev, err := willBeSent.Recv()
			if err != nil {
				return err
			}
			s.bridge.requests.Set(requestKey{target: s.id, id: ev.RequestID}, ev.Request.URL)

		case <-finished.Ready():
			ev, err := finished.Recv()
			if err != nil {
				return err
			}
			s.onFinished(ctx, ev.RequestID)

		case <-failed.Ready():
			ev, err := failed.Recv()
			if err != nil {
				return err
			}
			s.bridge.requests.Delete(requestKey{target: s.id, id: ev.RequestID})

		case <-started.Ready():
			ev, err := started.Recv()
			if err != nil {
				return err
			}
			if s.isMainFrame(ev.FrameID) {
				s.onNavigation(ctx)
			}

		case <-navigated.Ready():
			ev, err := navigated.Recv()
			if err != nil {
				return err
			}
			if ev.Frame.ParentID == nil {
				s.setMainFrame(ev.Frame.ID)
			}
		}
	}
}

// onFinished 请求成功完成后识别像素并投递事实
func (s *session) onFinished(ctx context.Context, id network.RequestID) {
	url, ok := s.bridge.requests.Take(requestKey{target: s.id, id: id})
	if !ok {
		return
	}
	obs, ok := s.bridge.obs.Classify(url)
	if !ok {
		return
	}
	s.bridge.log.Debug("识别到像素请求", "tab", int(s.tab), "platform", string(obs.Detected.Platform), "pixelId", obs.Detected.PixelID)
	if !s.bridge.sink.SubmitAll(ctx, obs.Messages(s.tab)...) {
		s.bridge.log.Warn("像素事实投递失败", "tab", int(s.tab))
	}
}

// onNavigation 主框架开始加载新文档
func (s *session) onNavigation(ctx context.Context) {
	s.bridge.log.Debug("标签页开始导航", "tab", int(s.tab))
	if err := s.bridge.sink.NavigationStarted(ctx, s.tab); err != nil {
		s.bridge.log.Err(err, "导航清理会话失败", "tab", int(s.tab))
	}
}

// dataLayer 在页面中求值 dataLayer 并校验为 JSON 数组
func (s *session) dataLayer(ctx context.Context) (json.RawMessage, error) {
	args := runtime.NewEvaluateArgs(dataLayerExpr).SetReturnByValue(true)
	reply, err := s.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		return nil, err
	}
	if reply.ExceptionDetails != nil {
		return nil, fmt.Errorf("evaluate dataLayer: %s", reply.ExceptionDetails.Text)
	}
	return parseDataLayer(reply.Result.Value)
}

// parseDataLayer 解析 JSON.stringify 的返回值，结果必须是数组
func parseDataLayer(value json.RawMessage) (json.RawMessage, error) {
	var text string
	if err := json.Unmarshal(value, &text); err != nil {
		return nil, fmt.Errorf("dataLayer is not a string: %w", err)
	}
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("dataLayer is not valid json")
	}
	if !gjson.Parse(text).IsArray() {
		return nil, fmt.Errorf("dataLayer is not an array")
	}
	return json.RawMessage(text), nil
}

func (s *session) setMainFrame(id page.FrameID) {
	s.mu.Lock()
	s.mainFrame = id
	s.mu.Unlock()
}

// isMainFrame 主框架未知时按目标ID判断，页面目标的主框架ID与目标ID相同
func (s *session) isMainFrame(id page.FrameID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mainFrame == "" {
		return string(id) == string(s.id)
	}
	return id == s.mainFrame
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
	})
}
