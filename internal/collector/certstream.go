package collector

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const domainFeedBuffer = 512

// CertStreamFeed tails a certificate-transparency websocket stream and
// buffers the domains that appear on new certificates. The heuristic cycle
// drains the buffer and runs look-alike detection over it.
type CertStreamFeed struct {
	URL    string
	Logger *zap.Logger

	mu      sync.Mutex
	domains []string
}

type certStreamMessage struct {
	MessageType string `json:"message_type"`
	Data        struct {
		LeafCert struct {
			AllDomains []string `json:"all_domains"`
		} `json:"leaf_cert"`
	} `json:"data"`
}

// Run connects and reads until the context is cancelled, reconnecting with a
// short backoff. Stream loss only stops fresh look-alike input; the rest of
// the pipeline is unaffected.
func (f *CertStreamFeed) Run(ctx context.Context) error {
	for {
		if err := f.readOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if f.Logger != nil {
				f.Logger.Warn("certstream disconnected", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
		}
	}
}

func (f *CertStreamFeed) readOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, f.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")
	conn.SetReadLimit(1 << 20)

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg certStreamMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.MessageType != "certificate_update" {
			continue
		}
		f.push(msg.Data.LeafCert.AllDomains)
	}
}

func (f *CertStreamFeed) push(domains []string) {
	if len(domains) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range domains {
		if len(f.domains) >= domainFeedBuffer {
			// Oldest out; this feed is best-effort input, not a queue.
			f.domains = f.domains[1:]
		}
		f.domains = append(f.domains, d)
	}
}

// Drain returns and clears the buffered domains.
func (f *CertStreamFeed) Drain() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.domains
	f.domains = nil
	return out
}
