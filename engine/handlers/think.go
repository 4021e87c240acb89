package handlers

import (
	"strings"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/executor"
)

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"
)

// thinkScanner splits a streamed completion into visible text and
// <think>...</think> reasoning spans. Visible chunks go out as token
// events; reasoning spans as thinking_start, thinking_token per chunk and
// thinking_complete with the whole span. Tags split across deltas are
// carried until the next feed decides them. Reasoning never reaches the
// final text.
type thinkScanner struct {
	emit    executor.EmitFunc
	carry   string
	inThink bool
	visible strings.Builder
	block   strings.Builder
}

func newThinkScanner(emit executor.EmitFunc) *thinkScanner {
	return &thinkScanner{emit: emit}
}

func (s *thinkScanner) feed(delta string) {
	if delta == "" {
		return
	}
	data := s.carry + delta
	s.carry = ""
	for data != "" {
		if s.inThink {
			if idx := strings.Index(data, thinkClose); idx >= 0 {
				s.thinkingChunk(data[:idx])
				s.endThink()
				data = data[idx+len(thinkClose):]
				continue
			}
			keep := partialTagSuffix(data, thinkClose)
			s.thinkingChunk(data[:len(data)-keep])
			s.carry = data[len(data)-keep:]
			return
		}
		if idx := strings.Index(data, thinkOpen); idx >= 0 {
			s.visibleChunk(data[:idx])
			s.beginThink()
			data = data[idx+len(thinkOpen):]
			continue
		}
		keep := partialTagSuffix(data, thinkOpen)
		s.visibleChunk(data[:len(data)-keep])
		s.carry = data[len(data)-keep:]
		return
	}
}

// flush settles the carry and closes an unterminated reasoning span
func (s *thinkScanner) flush() {
	if s.carry != "" {
		if s.inThink {
			s.thinkingChunk(s.carry)
		} else {
			s.visibleChunk(s.carry)
		}
		s.carry = ""
	}
	if s.inThink {
		s.endThink()
	}
}

func (s *thinkScanner) text() string {
	return strings.TrimSpace(s.visible.String())
}

func (s *thinkScanner) beginThink() {
	s.inThink = true
	s.block.Reset()
	s.send(bus.EventThinkingStart, map[string]interface{}{})
}

func (s *thinkScanner) endThink() {
	s.inThink = false
	s.send(bus.EventThinkingComplete, map[string]interface{}{"text": s.block.String()})
}

func (s *thinkScanner) thinkingChunk(chunk string) {
	if chunk == "" {
		return
	}
	s.block.WriteString(chunk)
	s.send(bus.EventThinkingToken, map[string]interface{}{"token": chunk})
}

func (s *thinkScanner) visibleChunk(chunk string) {
	if chunk == "" {
		return
	}
	s.visible.WriteString(chunk)
	s.send(bus.EventToken, map[string]interface{}{"token": chunk})
}

func (s *thinkScanner) send(event bus.EventType, data map[string]interface{}) {
	if s.emit != nil {
		s.emit(event, data)
	}
}

// partialTagSuffix reports how many trailing bytes of data could be the
// start of tag, so they are held back instead of emitted
func partialTagSuffix(data, tag string) int {
	max := len(tag) - 1
	if len(data) < max {
		max = len(data)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(data, tag[:k]) {
			return k
		}
	}
	return 0
}
