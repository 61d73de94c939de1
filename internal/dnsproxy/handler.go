package dnsproxy

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/webreplay/webreplay/internal/dns"
)

// redirectTTL keeps synthesized answers short-lived so a session change
// is picked up quickly.
const redirectTTL = 60

// Verdict cache for passthrough-if-private: a name found public costs one
// real round-trip per minute instead of one per query; a name found
// private is still delegated on every query.
const (
	verdictTTL   = 60 * time.Second
	verdictSweep = 5 * time.Minute
)

// Handler answers a single DNS query according to the rule set.
type Handler struct {
	Logger     *slog.Logger
	ReplayAddr netip.Addr
	Rules      RuleSet
	Upstream   Upstream
	Stats      *Stats

	verdicts *gocache.Cache
}

// NewHandler wires a query handler for the session.
func NewHandler(logger *slog.Logger, replayAddr netip.Addr, rules RuleSet, upstream Upstream) *Handler {
	return &Handler{
		Logger:     logger,
		ReplayAddr: replayAddr,
		Rules:      rules,
		Upstream:   upstream,
		Stats:      &Stats{},
		verdicts:   gocache.New(verdictTTL, verdictSweep),
	}
}

// Handle processes raw query bytes and returns the response to send, or
// nil when nothing can be salvaged from the request. It never returns an
// error; per-query failures become SERVFAIL.
func (h *Handler) Handle(ctx context.Context, src string, reqBytes []byte) []byte {
	h.Stats.queries.Add(1)

	req, err := dns.ParseQuery(reqBytes)
	if err != nil {
		h.Stats.failures.Add(1)
		h.log(ctx, slog.LevelWarn, "malformed query", "src", src, "err", err)
		return dns.ErrorReplyRaw(reqBytes, dns.RCodeFormErr)
	}
	q := req.Questions[0]

	// Everything that is not a plain IN A/AAAA question rides through to
	// the real resolver untouched.
	if q.Class != dns.ClassIN || (q.Type != dns.TypeA && q.Type != dns.TypeAAAA) {
		return h.delegate(ctx, req, reqBytes)
	}

	action := h.Rules.Match(q.Name)
	h.log(ctx, slog.LevelDebug, "query", "src", src, "name", q.Name, "type", uint16(q.Type), "action", action.String())

	switch action {
	case ActionRedirect:
		h.Stats.redirected.Add(1)
		return h.redirect(req)
	case ActionPassthroughPrivate:
		return h.passthroughIfPrivate(ctx, req, reqBytes)
	default:
		return h.delegate(ctx, req, reqBytes)
	}
}

// redirect synthesizes the replay-host answer. Questions for the other
// address family get an empty NOERROR so clients fall back to the family
// we can actually serve.
func (h *Handler) redirect(req dns.Message) []byte {
	q := req.Questions[0]
	sameFamily := (q.Type == dns.TypeA) == h.ReplayAddr.Is4()
	var resp dns.Message
	if sameFamily {
		var err error
		resp, err = dns.AddressReply(req, h.ReplayAddr, redirectTTL)
		if err != nil {
			return h.servfail(req)
		}
	} else {
		resp = dns.ErrorReply(req, dns.RCodeNoError)
	}
	out, err := resp.Marshal()
	if err != nil {
		return h.servfail(req)
	}
	return out
}

func (h *Handler) delegate(ctx context.Context, req dns.Message, reqBytes []byte) []byte {
	h.Stats.delegated.Add(1)
	resp, err := h.Upstream.Exchange(ctx, reqBytes)
	if err != nil {
		h.Stats.failures.Add(1)
		h.log(ctx, slog.LevelWarn, "upstream exchange failed", "name", req.Questions[0].Name, "err", err)
		return h.servfail(req)
	}
	return dns.PatchID(resp, req.Header.ID)
}

// passthroughIfPrivate delegates the query, inspects the real answer,
// and only substitutes the redirect when the name resolves publicly.
func (h *Handler) passthroughIfPrivate(ctx context.Context, req dns.Message, reqBytes []byte) []byte {
	q := req.Questions[0]
	cacheKey := q.Name

	if v, ok := h.verdicts.Get(cacheKey); ok {
		if v.(bool) {
			// Known private: delegate for the real answer.
			h.Stats.passthrough.Add(1)
			return h.delegate(ctx, req, reqBytes)
		}
		h.Stats.redirected.Add(1)
		return h.redirect(req)
	}

	respBytes, err := h.Upstream.Exchange(ctx, reqBytes)
	if err != nil {
		h.Stats.failures.Add(1)
		h.log(ctx, slog.LevelWarn, "private-passthrough lookup failed", "name", q.Name, "err", err)
		return h.servfail(req)
	}
	resp, err := dns.Parse(respBytes)
	if err != nil {
		h.Stats.failures.Add(1)
		return h.servfail(req)
	}

	private := answersContainPrivate(resp)
	h.verdicts.Set(cacheKey, private, gocache.DefaultExpiration)

	if private {
		h.Stats.passthrough.Add(1)
		return dns.PatchID(respBytes, req.Header.ID)
	}
	h.Stats.redirected.Add(1)
	return h.redirect(req)
}

func (h *Handler) servfail(req dns.Message) []byte {
	out, err := dns.ErrorReply(req, dns.RCodeServFail).Marshal()
	if err != nil {
		return nil
	}
	return out
}

func (h *Handler) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if h.Logger != nil {
		h.Logger.Log(ctx, level, msg, args...)
	}
}
