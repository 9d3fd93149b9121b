// Package retrieval resolves stage context from a mandatory local tier and
// an optional, fail-closed external tier.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"specdrive/internal/config"
	"specdrive/internal/evidence"
	"specdrive/internal/models"
)

// Section is one block of resolved context. External sections come from
// Tier 2 and are demarcated as unverified when rendered.
type Section struct {
	Name     string
	Content  string
	External bool
}

// Context is the composed result: Tier 1 plus Tier 2 when present.
type Context struct {
	SpecID   string
	Stage    models.Stage
	Sections []Section
}

// Render produces the prompt block. Externally sourced sections carry an
// explicit unverified marker so downstream agents can weigh them.
func (c *Context) Render() string {
	var b strings.Builder
	for _, s := range c.Sections {
		if s.Content == "" {
			continue
		}
		if s.External {
			fmt.Fprintf(&b, "## %s (external, unverified)\n%s\n\n", s.Name, s.Content)
		} else {
			fmt.Fprintf(&b, "## %s\n%s\n\n", s.Name, s.Content)
		}
	}
	return b.String()
}

type Broker struct {
	local   *LocalStore
	tier2   *Tier2Client // nil when the tier is disabled
	mapping map[string]string
	timeout time.Duration
	log     *slog.Logger
}

func NewBroker(cfg *config.Config, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		local:   NewLocalStore(cfg.DataDir),
		mapping: cfg.Tier2.Mapping,
		timeout: cfg.Tier2.Timeout,
		log:     log,
	}
	if cfg.Tier2.Enabled && cfg.Tier2.Endpoint != "" {
		b.tier2 = NewTier2Client(cfg.Tier2.Endpoint, cfg.Tier2.Timeout)
	}
	return b
}

// ResolveContext composes stage context. Tier 1 failure fails the whole
// resolution; Tier 2 trouble of any kind is a silent skip from the caller's
// perspective, recorded as exactly one diagnostic event carrying the
// precise reason.
func (b *Broker) ResolveContext(ctx context.Context, specID string, runID int64, stage models.Stage, events *evidence.EventLog) (*Context, error) {
	out := &Context{SpecID: specID, Stage: stage}

	// Tier 1 is mandatory: the spec brief plus any per-stage notes.
	spec, err := b.local.Get(specID, "spec")
	if err != nil {
		return nil, fmt.Errorf("tier1: %w", err)
	}
	out.Sections = append(out.Sections, Section{Name: "spec", Content: spec})

	stageNotes, err := b.local.Get(specID, string(stage))
	if err != nil {
		return nil, fmt.Errorf("tier1: %w", err)
	}
	out.Sections = append(out.Sections, Section{Name: string(stage) + " notes", Content: stageNotes})

	if b.tier2 == nil {
		return out, nil
	}

	section, skip := b.resolveTier2(ctx, specID, stage)
	if skip != nil {
		b.log.Debug("tier2 skipped", "spec", specID, "stage", stage, "reason", skip.Reason)
		if events != nil {
			if err := events.Append(specID, runID, models.RoutingEvent{
				EventType:  models.EventTierSkip,
				Role:       "tier2",
				Mode:       "external",
				Reason:     skip.Reason,
				IsFallback: true,
			}); err != nil {
				b.log.Warn("append tier2 diagnostic", "err", err)
			}
		}
		return out, nil
	}
	out.Sections = append(out.Sections, *section)
	return out, nil
}

// resolveTier2 performs the external lookup on its own goroutine with its
// own deadline, so a caller running on a cooperative scheduler never nests
// a blocking network call.
func (b *Broker) resolveTier2(ctx context.Context, specID string, stage models.Stage) (*Section, *Tier2Unavailable) {
	contextName, ok := b.mapping[string(stage)]
	if !ok || contextName == "" {
		// No implicit general fallback: an unmapped stage is always a
		// hard skip, never substituted with unrelated content.
		return nil, &Tier2Unavailable{Reason: ReasonNoMapping, Detail: string(stage)}
	}

	type result struct {
		section *Section
		skip    *Tier2Unavailable
	}
	ch := make(chan result, 1)

	lookupCtx, cancel := context.WithTimeout(context.Background(), b.timeout)
	go func() {
		defer cancel()
		if err := b.tier2.Ready(lookupCtx); err != nil {
			ch <- result{skip: asUnavailable(err)}
			return
		}
		query := fmt.Sprintf("Context for spec %s, stage %s", specID, stage)
		answer, err := b.tier2.Ask(lookupCtx, contextName, query)
		if err != nil {
			ch <- result{skip: asUnavailable(err)}
			return
		}
		ch <- result{section: &Section{Name: contextName, Content: answer, External: true}}
	}()

	select {
	case r := <-ch:
		return r.section, r.skip
	case <-ctx.Done():
		cancel()
		return nil, &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: ctx.Err().Error()}
	}
}

func asUnavailable(err error) *Tier2Unavailable {
	if u, ok := err.(*Tier2Unavailable); ok {
		return u
	}
	return &Tier2Unavailable{Reason: ReasonServiceUnavailable, Detail: err.Error()}
}

// Local exposes the Tier 1 store for the CLI's context read/write commands.
func (b *Broker) Local() *LocalStore { return b.local }
