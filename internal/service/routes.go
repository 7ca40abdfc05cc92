package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vanhao1997/unified-pixel-inspector/pkg/domain"
)

func (s *svc) handlePixelDetected(ctx context.Context, tab domain.TabID, msg domain.Message) (any, error) {
	var f domain.PixelDetected
	if err := decode(msg, &f); err != nil {
		return nil, err
	}
	return s.PixelDetected(ctx, tab, f)
}

func (s *svc) handleEventCaptured(ctx context.Context, tab domain.TabID, msg domain.Message) (any, error) {
	var f domain.EventCaptured
	if err := decode(msg, &f); err != nil {
		return nil, err
	}
	return s.EventCaptured(ctx, tab, f)
}

func (s *svc) handleGlobalLoaded(ctx context.Context, tab domain.TabID, msg domain.Message) (any, error) {
	f := domain.GlobalLoaded{Loaded: true}
	if err := decode(msg, &f); err != nil {
		return nil, err
	}
	return s.GlobalLoaded(ctx, tab, f)
}

func (s *svc) handleToggleCapture(ctx context.Context, tab domain.TabID, msg domain.Message) (any, error) {
	if msg.Capturing == nil {
		return nil, fmt.Errorf("%w: TOGGLE_CAPTURE without capturing", domain.ErrInvalidMessage)
	}
	sess, err := s.ToggleCapture(ctx, tab, *msg.Capturing)
	if err != nil {
		return nil, err
	}
	return CaptureState{Capturing: sess.Capturing}, nil
}

func (s *svc) handleGetSession(ctx context.Context, tab domain.TabID, _ domain.Message) (any, error) {
	return s.GetSession(ctx, tab)
}

func (s *svc) handleClearSession(ctx context.Context, tab domain.TabID, _ domain.Message) (any, error) {
	return s.ClearSession(ctx, tab)
}

func (s *svc) handleDataLayer(ctx context.Context, tab domain.TabID, _ domain.Message) (any, error) {
	return s.DataLayer(ctx, tab), nil
}

// decode 解析消息负载，缺失负载视为格式错误
func decode(msg domain.Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%w: %s without data", domain.ErrInvalidMessage, msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrInvalidMessage, msg.Type, err)
	}
	return nil
}
