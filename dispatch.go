package cubesync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cubesync/cubesync/document"
	"github.com/cubesync/cubesync/internal/fastchan"
	"github.com/cubesync/cubesync/wire"
)

// Message dispatch: every decoded inbound frame — reliable, unreliable or
// reassembled from chunks — lands in handleFrame, which routes on the "c"
// kind field.

// chunkEvictAfter bounds how long a partial chunk set may sit waiting for
// its terminal chunk before the stats timer reclaims it.
const chunkEvictAfter = 30 * time.Second

type chunkSet struct {
	parts    map[int64]chunkPart
	total    int64
	lastSeen time.Time
}

type chunkPart struct {
	ofs  int64
	data []byte
}

// handleFrame processes one inbound frame. Called with the client lock held;
// host callbacks are returned as thunks for the caller to run unlocked.
func (c *Client) handleFrame(frame map[string]any, now time.Time) []func() {
	switch kind, _ := frame["c"].(string); kind {
	case "full":
		return c.handleFull(frame, now)
	case "patch":
		return c.handlePatch(frame)
	case "fpatch":
		return c.handleFast(frame, now)
	case "chunk":
		return c.handleChunk(frame, now)
	case "pong":
		c.handlePong(frame, now)
		return nil
	case "rtc-offer", "rtc-answer", "rtc-candidate":
		return c.handleSignal(kind, frame)
	default:
		if c.OnMessage != nil {
			return []func(){func() { c.OnMessage(frame) }}
		}
		return nil
	}
}

// handleFull replaces the document with a server snapshot. Any piggybacked
// fast changes decode in the same pass, all under suppression so nothing
// echoes back outbound.
func (c *Client) handleFull(frame map[string]any, now time.Time) []func() {
	name, ok := frame["n"].(string)
	if !ok {
		return nil
	}
	doc := c.documents[name]
	if doc == nil {
		doc = document.New(name)
		c.documents[name] = doc
	}
	root, _ := frame["doc"].(map[string]any)
	doc.Suppressed(func() {
		doc.Replace(root)
		if fdata, ok := frame["fdata"].(map[string]any); ok {
			fastchan.Decode(doc, fdata, now, c.log)
		}
	})
	if c.cfg.AllowSync {
		doc.SetObserver(c.observerFor(name), c.cfg.ExcludedFields)
	}
	delete(c.changeLog, name)
	if t, ok := document.AsFloat(frame["t"]); ok {
		c.lastFullState[name] = t
	}
	if le, ok := frame["le"].(bool); ok {
		c.lastLE[name] = le
	}
	c.log.Debug().Str("doc", name).Msg("full snapshot applied")
	return c.changeNote(name, doc, nil)
}

// handlePatch applies a list of wire ops op by op, so one rejected op is
// warned about and skipped without poisoning the rest.
func (c *Client) handlePatch(frame map[string]any) []func() {
	name, ok := frame["n"].(string)
	if !ok {
		return nil
	}
	doc := c.documents[name]
	if doc == nil {
		c.log.Warn().Str("doc", name).Msg("patch for unknown document")
		return nil
	}
	rawOps, ok := frame["doc"].([]any)
	if !ok {
		// Some peers put the op list under p.
		rawOps, _ = frame["p"].([]any)
	}

	docJSON, err := json.Marshal(doc.Root())
	if err != nil {
		c.log.Warn().Err(err).Str("doc", name).Msg("patch skipped, document not serializable")
		return nil
	}
	var applied []wire.Op
	for _, raw := range rawOps {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		op, err := wire.OpFromWire(m)
		if err != nil {
			c.metrics.decodeErrors.Inc()
			c.log.Warn().Err(err).Str("doc", name).Msg("ignoring malformed patch op")
			continue
		}
		next, err := wire.ApplyOp(docJSON, op)
		if err != nil {
			c.metrics.decodeErrors.Inc()
			c.log.Warn().Err(err).Str("doc", name).Msg("patch op rejected")
			continue
		}
		docJSON = next
		applied = append(applied, op)
	}

	var newRoot map[string]any
	if err := json.Unmarshal(docJSON, &newRoot); err != nil {
		c.log.Warn().Err(err).Str("doc", name).Msg("patched document unreadable, keeping previous state")
		return nil
	}
	doc.Suppressed(func() { doc.Reroot(newRoot) })
	return c.changeNote(name, doc, applied)
}

// handleFast filters the update-id cursor then decodes the packed blocks.
// Stale updates drop; gaps advance the cursor and are counted as lost.
func (c *Client) handleFast(frame map[string]any, now time.Time) []func() {
	name, ok := frame["n"].(string)
	if !ok {
		return nil
	}
	doc := c.documents[name]
	if doc == nil {
		return nil
	}
	uf, ok := document.AsFloat(frame["u"])
	if !ok {
		return nil
	}
	u := int64(uf)
	last := c.lastUpdateID[name]
	if last > 0 && u <= last {
		c.log.Warn().Str("doc", name).Int64("u", u).Int64("last", last).Msg("dropping stale fast update")
		return nil
	}
	if last > 0 && u > last+1 {
		lost := u - last - 1
		c.metrics.lostUpdates.Add(float64(lost))
		if c.gapWarn.Allow() {
			c.log.Warn().Str("doc", name).Int64("lost", lost).Msgf("Lost %d updates", lost)
		}
	}
	c.lastUpdateID[name] = u
	if fdata, ok := frame["fdata"].(map[string]any); ok {
		doc.Suppressed(func() { fastchan.Decode(doc, fdata, now, c.log) })
	}
	return nil
}

// handleChunk buffers one fragment; the terminal fragment triggers
// reassembly, an undercount check, and re-dispatch of the inner frame.
func (c *Client) handleChunk(frame map[string]any, now time.Time) []func() {
	mid := fmt.Sprint(frame["mid"])
	seqf, ok := document.AsFloat(frame["seq"])
	if !ok {
		return nil
	}
	seq := int64(seqf)
	ofs, _ := document.AsFloat(frame["ofs"])
	total, _ := document.AsFloat(frame["ts"])
	data, _ := frame["data"].([]byte)

	set := c.chunks[mid]
	if set == nil {
		set = &chunkSet{parts: map[int64]chunkPart{}}
		c.chunks[mid] = set
	}
	set.parts[seq] = chunkPart{ofs: int64(ofs), data: data}
	set.total = int64(total)
	set.lastSeen = now

	last, _ := frame["last"].(bool)
	if !last {
		return nil
	}

	delete(c.chunks, mid)
	if set.total < 0 {
		return nil
	}
	buf := make([]byte, set.total)
	count := int64(0)
	for _, part := range set.parts {
		if part.ofs < 0 || part.ofs+int64(len(part.data)) > int64(len(buf)) {
			c.log.Warn().Str("mid", mid).Msg("chunk offset out of range, discarding message")
			return nil
		}
		copy(buf[part.ofs:], part.data)
		count++
	}
	if count != seq+1 {
		c.log.Warn().Str("mid", mid).Int64("have", count).Int64("want", seq+1).Msg("incomplete chunk set discarded")
		return nil
	}
	inner, err := wire.Unmarshal(buf)
	if err != nil {
		c.metrics.decodeErrors.Inc()
		c.log.Warn().Err(err).Str("mid", mid).Msg("reassembled message undecodable")
		return nil
	}
	return c.handleFrame(inner, now)
}

// handlePong finishes a clock probe: round trip from our echoed ct, skew
// from the server timestamp, then a peng confirmation so the server can
// measure the reverse path.
func (c *Client) handlePong(frame map[string]any, now time.Time) {
	ct, ok := document.AsFloat(frame["ct"])
	if !ok {
		return
	}
	st, _ := document.AsFloat(frame["st"])
	nowMs := float64(now.UnixMilli())
	c.stats.Ping = nowMs - ct
	c.stats.StDiff = st + c.stats.Ping/2 - nowMs
	c.metrics.pingMillis.Set(c.stats.Ping)
	// ct rides as an integer (floats shrink to 32 bits on the wire) and the
	// server timestamp is echoed verbatim.
	c.sendFrameLocked(map[string]any{"c": "peng", "ct": now.UnixMilli(), "st": frame["st"]})
}

// handleSignal forwards handshake traffic to the negotiator. The pion calls
// run unlocked: they can fire callbacks that re-enter the client.
func (c *Client) handleSignal(kind string, frame map[string]any) []func() {
	link := c.rtc
	if link == nil {
		return nil
	}
	switch kind {
	case "rtc-answer":
		sdp, _ := frame["sdp"].(string)
		return []func(){func() { link.handleAnswer(sdp) }}
	case "rtc-candidate":
		cand, _ := frame["candidate"].(string)
		return []func(){func() { link.handleCandidate(cand) }}
	default:
		// We are the offering side; an inbound offer is a protocol wrinkle
		// worth seeing in the logs but nothing more.
		c.log.Debug().Msg("ignoring inbound rtc-offer")
		return nil
	}
}

// evictStaleChunksLocked reclaims partial chunk sets whose terminal chunk
// never arrived.
func (c *Client) evictStaleChunksLocked(now time.Time) {
	for mid, set := range c.chunks {
		if now.Sub(set.lastSeen) > chunkEvictAfter {
			c.log.Warn().Str("mid", mid).Int("parts", len(set.parts)).Msg("evicting orphaned chunk set")
			delete(c.chunks, mid)
		}
	}
}

func (c *Client) changeNote(name string, doc *document.Document, ops []wire.Op) []func() {
	if c.OnChange == nil {
		return nil
	}
	return []func(){func() { c.OnChange(name, doc, ops) }}
}
