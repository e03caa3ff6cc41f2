// Package message applies the field-driven effects of one decoded message.
package message

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/chunkrelay/internal/protocol"
	"github.com/danmuck/chunkrelay/internal/protocol/frame"
	"github.com/danmuck/chunkrelay/internal/sink"
)

// Recognized message fields. Anything else is ignored.
const (
	FieldCode        = "code"
	FieldDescription = "description"
	FieldAuthor      = "author"
)

// escapes are applied one after another, in this order, over the whole text.
var escapes = []struct{ from, to string }{
	{`\n`, "\n"},
	{`\t`, "\t"},
	{`\r`, "\r"},
	{`\'`, "'"},
	{`\"`, `"`},
}

// Unescape replaces the two-character escape sequences in code with their
// literal characters. Substitution is sequential, not simultaneous: text
// produced by one rule is visible to the rules after it.
func Unescape(code string) string {
	for _, e := range escapes {
		code = strings.ReplaceAll(code, e.from, e.to)
	}
	return code
}

// Result reports which fields a Process call handled.
type Result struct {
	Handled []string
	Failed  map[string]error
}

func (r Result) OK() bool {
	return len(r.Failed) == 0
}

func (r *Result) fail(field string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[field] = err
}

// Processor persists the code field of decoded messages.
type Processor struct {
	sink sink.Sink
	slot string
}

func NewProcessor(s sink.Sink, slot string) *Processor {
	if strings.TrimSpace(slot) == "" {
		slot = sink.DefaultSlot
	}
	return &Processor{sink: s, slot: slot}
}

func (p *Processor) Slot() string {
	return p.slot
}

// Process handles each recognized field independently; a failure in one is
// logged and recorded in the result without skipping the others.
func (p *Processor) Process(ctx context.Context, obj frame.Object) Result {
	var res Result
	if raw, ok := obj[FieldCode]; ok {
		if err := p.saveCode(ctx, raw); err != nil {
			res.fail(FieldCode, err)
			log.Error().Err(err).Str("kind", protocol.Kind(err)).Str("slot", p.slot).
				Msg("message.Processor.Process code failed")
		} else {
			res.Handled = append(res.Handled, FieldCode)
		}
	}
	for _, field := range []string{FieldDescription, FieldAuthor} {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		log.Info().Interface(field, raw).Msg("message.Processor.Process " + field)
		res.Handled = append(res.Handled, field)
	}
	log.Debug().Strs("handled", res.Handled).Int("failed", len(res.Failed)).
		Msg("message.Processor.Process done")
	return res
}

func (p *Processor) saveCode(ctx context.Context, raw any) error {
	code, ok := raw.(string)
	if !ok {
		return fmt.Errorf("message: %s is %T: %w", FieldCode, raw, protocol.ErrFieldType)
	}
	if p.sink == nil {
		return fmt.Errorf("message: no sink configured: %w", protocol.ErrPersistence)
	}
	code = Unescape(code)
	if err := p.sink.Save(ctx, p.slot, code); err != nil {
		return fmt.Errorf("message: save %s: %w: %w", p.slot, protocol.ErrPersistence, err)
	}
	log.Info().Str("slot", p.slot).Int("bytes", len(code)).Msg("message.Processor.Process code saved")
	return nil
}
