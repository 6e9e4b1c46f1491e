package scan

import (
	"fmt"

	"echobin/metrics"
	"echobin/pkg/domain"
	"echobin/svc/util"
)

// Queue receives secrets that should be disclosed to their issuer.
type Queue interface {
	Enqueue(secret string)
}
// Finding is one confirmed match. Text is a slice of the scanned content.
type Finding struct {
	Service     string
	Text        string
	Head        domain.Position
	Tail        domain.Position
	Invalidated bool
}

func (f Finding) Message() string {
	msg := fmt.Sprintf("echobin found a secret for %s.", f.Service)
	if f.Invalidated {
		msg += " This secret has been invalidated."
	}
	return msg
}
func (f Finding) Annotation() domain.Annotation {
	return domain.Annotation{Head: f.Head, Tail: f.Tail, Content: f.Message()}
}

type Pipeline struct {
	registry *Registry
	queue    Queue
}

// NewPipeline wires a registry to a disclosure queue. A nil queue turns
// invalidation off: findings are still reported but never claimed invalidated.
func NewPipeline(r *Registry, q Queue) *Pipeline {
	return &Pipeline{registry: r, queue: q}
}
func (p *Pipeline) CanInvalidate() bool {
	return p.queue != nil
}

// Scan runs every scanner over content in registry order. When invalidate is
// set, confirmed matches from invalidating scanners are queued for disclosure
// before Scan returns.
func (p *Pipeline) Scan(content string, invalidate bool) []Finding {
	invalidate = invalidate && p.queue != nil
	var findings []Finding
	for _, s := range p.registry.Scanners() {
		for _, loc := range s.Match(content) {
			text := content[loc[0]:loc[1]]
			if !s.Confirm(text) {
				continue
			}
			f := Finding{
				Service:     s.Service(),
				Text:        text,
				Head:        Locate(content, loc[0]),
				Tail:        Locate(content, loc[1]),
				Invalidated: invalidate && s.Invalidates(),
			}
			if f.Invalidated {
				p.queue.Enqueue(f.Text)
				metrics.SecretsQueued.Inc()
			}
			metrics.SecretsFound.WithLabelValues(f.Service).Inc()
			util.Debug().
				Str("service", f.Service).
				Str("secret", util.RedactToken(f.Text)).
				Bool("invalidated", f.Invalidated).
				Msg("secret found")
			findings = append(findings, f)
		}
	}
	return findings
}
