package browser

import (
	"context"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/opero/api/schemas"
	"github.com/xkilldash9x/opero/internal/quiescence"
)

// Subscribe streams tabID's request lifecycle to fn until detach is called or
// ctx is cancelled. It satisfies quiescence.EventSource.
func (m *Manager) Subscribe(ctx context.Context, tabID schemas.TabID, fn func(quiescence.NetworkEvent)) (func(), error) {
	tab, err := m.Tab(ctx, tabID)
	if err != nil {
		return nil, err
	}

	// The main frame of a page target shares the target's id.
	mainFrame := cdp.FrameID(tabID)

	listenerCtx, cancel := CombineContext(tab.ctx, ctx)
	chromedp.ListenTarget(listenerCtx, func(ev any) {
		if listenerCtx.Err() != nil {
			return
		}
		if e, ok := translateNetworkEvent(ev, mainFrame); ok {
			fn(e)
		}
	})
	return cancel, nil
}

// translateNetworkEvent maps a CDP network event to a detector event.
func translateNetworkEvent(ev any, mainFrame cdp.FrameID) (quiescence.NetworkEvent, bool) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		url := ""
		if e.Request != nil {
			url = e.Request.URL
		}
		return quiescence.NetworkEvent{
			Type:      quiescence.RequestStarted,
			RequestID: string(e.RequestID),
			Kind:      resourceKind(e.Type, e.FrameID, mainFrame),
			URL:       url,
		}, true
	case *network.EventLoadingFinished:
		return quiescence.NetworkEvent{Type: quiescence.RequestFinished, RequestID: string(e.RequestID)}, true
	case *network.EventLoadingFailed:
		return quiescence.NetworkEvent{Type: quiescence.RequestFailed, RequestID: string(e.RequestID)}, true
	}
	return quiescence.NetworkEvent{}, false
}

// resourceKind classifies a request. Documents loaded into a child frame are iframes.
func resourceKind(t network.ResourceType, frame, mainFrame cdp.FrameID) quiescence.ResourceKind {
	switch t {
	case network.ResourceTypeDocument:
		if frame != "" && mainFrame != "" && frame != mainFrame {
			return quiescence.KindIframe
		}
		return quiescence.KindDocument
	case network.ResourceTypeStylesheet:
		return quiescence.KindStylesheet
	case network.ResourceTypeImage:
		return quiescence.KindImage
	case network.ResourceTypeFont:
		return quiescence.KindFont
	case network.ResourceTypeScript:
		return quiescence.KindScript
	}
	return quiescence.KindOther
}
