package quiescence

import "strings"

// ResourceKind classifies a network request by what it loads.
type ResourceKind string

const (
	KindDocument   ResourceKind = "document"
	KindStylesheet ResourceKind = "stylesheet"
	KindImage      ResourceKind = "image"
	KindFont       ResourceKind = "font"
	KindScript     ResourceKind = "script"
	KindIframe     ResourceKind = "iframe"
	KindOther      ResourceKind = "other"
)

var relevantKinds = map[ResourceKind]struct{}{
	KindDocument:   {},
	KindStylesheet: {},
	KindImage:      {},
	KindFont:       {},
	KindScript:     {},
	KindIframe:     {},
}

// ignoredURLPatterns lists traffic that never blocks a page from being considered
// ready: analytics and tracking, ads, social embeds, chat widgets, push services,
// keep-alives, streaming and CDN chatter.
var ignoredURLPatterns = []string{
	// analytics, tracking
	"analytics",
	"tracking",
	"telemetry",
	"beacon",
	"metrics",
	// ads
	"doubleclick",
	"adsystem",
	"adserver",
	"advertising",
	// social embeds
	"facebook.com/plugins",
	"platform.twitter",
	"linkedin.com/embed",
	// chat and support widgets
	"livechat",
	"zendesk",
	"intercom",
	"crisp.chat",
	"hotjar",
	// push notifications
	"push-notifications",
	"onesignal",
	"pushwoosh",
	// keep-alive
	"heartbeat",
	"ping",
	"alive",
	// streaming
	"webrtc",
	"rtmp://",
	"wss://",
	// CDNs
	"cloudfront.net",
	"fastly.net",
}

// IsRelevant reports whether a request of the given kind and URL should hold
// off quiescence.
func IsRelevant(kind ResourceKind, url string) bool {
	if _, ok := relevantKinds[kind]; !ok {
		return false
	}
	lower := strings.ToLower(url)
	for _, pattern := range ignoredURLPatterns {
		if strings.Contains(lower, pattern) {
			return false
		}
	}
	return true
}
