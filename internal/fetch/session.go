package fetch

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const captureKey = "fetch.capture"

// headerProfiles are realistic browser header sets rotated across requests
// to reduce upstream blocking.
var headerProfiles = []map[string]string{
	{
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		"Accept":          "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	},
	{
		"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Accept":          "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.8",
	},
	{
		"User-Agent":      "Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
		"Accept":          "text/html,application/xhtml+xml,application/json;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-GB,en;q=0.7",
	},
}

// session is one persistent fetch session: a colly collector with its own
// cookie state, revisit allowance, and a rotating header profile.
type session struct {
	collector *colly.Collector
	profile   int
}

type capture struct {
	status int
	body   []byte
	header http.Header
	err    error
}

func newSession(timeout time.Duration) *session {
	c := colly.NewCollector(colly.AllowURLRevisit())
	// Error statuses must reach OnResponse so Retry-After headers survive.
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(timeout)

	c.OnResponse(func(r *colly.Response) {
		snap, ok := r.Ctx.GetAny(captureKey).(*capture)
		if !ok {
			return
		}
		snap.status = r.StatusCode
		snap.body = append([]byte(nil), r.Body...)
		if r.Headers != nil {
			snap.header = r.Headers.Clone()
		}
	})

	c.OnError(func(r *colly.Response, err error) {
		snap, ok := r.Ctx.GetAny(captureKey).(*capture)
		if !ok {
			return
		}
		snap.err = err
		snap.status = r.StatusCode
		if r.Headers != nil {
			snap.header = r.Headers.Clone()
		}
	})

	return &session{
		collector: c,
		profile:   rand.IntN(len(headerProfiles)),
	}
}

// visit performs one GET with the next header profile, honoring ctx while
// the collector blocks.
func (s *session) visit(ctx context.Context, url string) (*capture, error) {
	snap := &capture{}
	cctx := colly.NewContext()
	cctx.Put(captureKey, snap)

	hdr := http.Header{}
	for k, v := range headerProfiles[s.profile%len(headerProfiles)] {
		hdr.Set(k, v)
	}
	s.profile++

	done := make(chan error, 1)
	go func() {
		done <- s.collector.Request("GET", url, nil, cctx, hdr)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-done:
		if snap.err == nil && err != nil {
			snap.err = err
		}
		return snap, nil
	}
}
