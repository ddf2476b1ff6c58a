package router

import (
	"regexp"
	"strings"

	"github.com/joshuavictorchen/claodex/internal/model"
	"github.com/joshuavictorchen/claodex/internal/store"
)

// blockHeaderLineRe matches a rendered block header on its own line, e.g.
// "--- user ---" or "--- codex ---".
var blockHeaderLineRe = regexp.MustCompile(`(?m)^--- ([a-zA-Z0-9_]+) ---$`)

// stripInjectedHeaders implements header hygiene: if text begins with a
// rendered block header, it reduces text to whatever follows the last
// "--- user ---" header line and discards everything before it, including
// other headers and their content. Text that does not begin with a header
// is returned unchanged.
func stripInjectedHeaders(text string) string {
	locs := blockHeaderLineRe.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 || locs[0][0] != 0 {
		return text
	}

	lastUser := -1
	for i, loc := range locs {
		if text[loc[2]:loc[3]] == string(model.UserSource) {
			lastUser = i
		}
	}
	if lastUser == -1 {
		return text
	}

	rest := text[locs[lastUser][1]:]
	return strings.TrimPrefix(rest, "\n")
}

// buildDeltaForTarget composes the pending blocks for target from peer(target)'s
// new events, applying header hygiene and (if echoedAnchor is non-empty)
// echo dedup. Returns the composed blocks and the proposed new delivery
// cursor (the refreshed read cursor of the source log).
func (r *Router) buildDeltaForTarget(target model.Agent, echoedAnchor string) (model.Blocks, model.Cursor, error) {
	src := target.Peer()

	newReadCursor, err := r.extractor.RefreshSource(src)
	if err != nil {
		return nil, 0, err
	}
	if err := r.cursors.Advance(store.ReadCursor, src, newReadCursor); err != nil {
		return nil, 0, err
	}

	deliveryCursor, err := r.cursors.Read(store.DeliveryCursor, target)
	if err != nil {
		return nil, 0, err
	}
	if deliveryCursor > newReadCursor {
		deliveryCursor = newReadCursor
	}

	events := r.extractor.EventsBetween(src, deliveryCursor, newReadCursor)

	blocks := make(model.Blocks, 0, len(events))
	droppedAnchor := echoedAnchor == ""
	for _, ev := range events {
		switch ev.Kind {
		case model.UserText:
			text := stripInjectedHeaders(ev.Text)
			if !droppedAnchor && model.NormalizeAnchor(text) == echoedAnchor {
				droppedAnchor = true
				continue
			}
			blocks = append(blocks, model.Block{Source: model.UserSource, Text: text})
		case model.AssistantText:
			blocks = append(blocks, model.Block{Source: model.AgentSource(src), Text: ev.Text})
		}
	}

	return blocks, newReadCursor, nil
}
