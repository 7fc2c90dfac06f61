// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package workerpool provides the two interchangeable implementations
// of a DATA request's execution: inline (single process, cursors run
// directly) and distributed (one coordinator plus W-1 peers
// communicating over internal/peergroup). Both share the Pool
// contract so a session never needs to know which one it is driving.
package workerpool

import (
	"math"
	"net"

	"github.com/SnellerInc/tracedbd/internal/cursor"
	"github.com/SnellerInc/tracedbd/internal/peergroup"
	"github.com/SnellerInc/tracedbd/internal/rankindex"
	"github.com/SnellerInc/tracedbd/internal/wire"
	"github.com/SnellerInc/tracedbd/ints"
)

// Request is one DATA request's parameters.
type Request struct {
	RankLo, RankHi   int
	TLo, THi         uint64
	PixelsH, PixelsV int
}

// CursorCount returns the number of per-rank payloads a Request
// produces: min(pixels_v, rank_hi - rank_lo).
func (r Request) CursorCount() int {
	return ints.Min(r.PixelsV, r.RankHi-r.RankLo)
}

// LogicalRank maps cursor_line to a logical rank index per the
// striding rule: ranks are spread evenly across pixels_v when there
// are more ranks than rows, otherwise the mapping is 1-to-1.
func (r Request) LogicalRank(cursorLine int) int {
	n := r.RankHi - r.RankLo
	if n > r.PixelsV {
		return r.RankLo + (cursorLine*n)/r.PixelsV
	}
	return r.RankLo + cursorLine
}

// RankResult is one finished rank's samples, tagged with its
// cursor_line and logical rank id (cursor_line and logical rank
// coincide for LogicalRank's inverse only in the 1-to-1 case; callers
// needing the mapping store it in RankResult rather than recompute
// it).
type RankResult struct {
	CursorLine int
	RankID     int
	Samples    []cursor.Sample
}

// Sink receives one RankResult at a time. DispatchData calls Put
// from its own goroutine, one result after another; distributed mode
// delivers results in the order the workers' replies arrive, not in
// cursor_line order.
type Sink interface {
	Put(RankResult) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(RankResult) error

func (f SinkFunc) Put(r RankResult) error { return f(r) }

// Sampler answers one logical rank's sample request. The controller
// package implements this by looking up the rank's byte range in its
// RankFilter and driving a cursor.Cursor over it.
type Sampler interface {
	SampleRank(logicalRank int, tLo, tHi uint64, pixelsH int) ([]cursor.Sample, error)
}

// LocalController is the direct callee for OPEN/INFO/FLTR in inline
// mode, and the coordinator's own bookkeeping copy of that state in
// distributed mode, kept in step with what is broadcast to the
// workers (each worker computes its own rank partition).
type LocalController interface {
	Open(path string) error
	SetInfo(minBegin, maxEnd int64, headerSize int32) error
	ApplyFilter(polarity bool, filters []rankindex.Filter) error
}

// Pool is the contract shared by InlinePool and DistributedPool.
type Pool interface {
	BroadcastOpen(path string) error
	BroadcastInfo(minBegin, maxEnd int64, headerSize int32) error
	BroadcastFilter(polarity bool, filters []rankindex.Filter) error
	DispatchData(req Request, sink Sink) error
	Close() error
}

// --- inline -----------------------------------------------------------

// InlinePool runs every cursor in the calling goroutine: the
// degenerate case where every broadcast_* call is local and
// DispatchData samples cursor lines directly.
type InlinePool struct {
	Controller LocalController
	Sampler    Sampler
}

func (p *InlinePool) BroadcastOpen(path string) error { return p.Controller.Open(path) }

func (p *InlinePool) BroadcastInfo(minBegin, maxEnd int64, headerSize int32) error {
	return p.Controller.SetInfo(minBegin, maxEnd, headerSize)
}

func (p *InlinePool) BroadcastFilter(polarity bool, filters []rankindex.Filter) error {
	return p.Controller.ApplyFilter(polarity, filters)
}

// DispatchData iterates cursor lines in order, sampling directly.
func (p *InlinePool) DispatchData(req Request, sink Sink) error {
	n := req.CursorCount()
	for c := 0; c < n; c++ {
		rank := req.LogicalRank(c)
		samples, err := p.Sampler.SampleRank(rank, req.TLo, req.THi, req.PixelsH)
		if err != nil {
			return err
		}
		if err := sink.Put(RankResult{CursorLine: c, RankID: rank, Samples: samples}); err != nil {
			return err
		}
	}
	return nil
}

func (p *InlinePool) Close() error { return nil }

// --- distributed --------------------------------------------------

// DistributedPool broadcasts commands to W-1 worker connections and
// gathers per-rank replies from whichever arrives first.
type DistributedPool struct {
	Controller LocalController
	Group      *peergroup.Group
	// Compress must match the Encoder compression mode the workers
	// use to produce their reply payloads.
	Compress bool
}

func (p *DistributedPool) BroadcastOpen(path string) error {
	if err := p.Controller.Open(path); err != nil {
		return err
	}
	return p.Group.BroadcastOpen(path)
}

func (p *DistributedPool) BroadcastInfo(minBegin, maxEnd int64, headerSize int32) error {
	if err := p.Controller.SetInfo(minBegin, maxEnd, headerSize); err != nil {
		return err
	}
	return p.Group.BroadcastInfo(minBegin, maxEnd, headerSize)
}

func (p *DistributedPool) BroadcastFilter(polarity bool, filters []rankindex.Filter) error {
	if err := p.Controller.ApplyFilter(polarity, filters); err != nil {
		return err
	}
	descs := make([]peergroup.FilterDescriptor, len(filters))
	for i, f := range filters {
		descs[i] = peergroup.FilterDescriptor{
			PMin: int32(f.Process.Min), PMax: int32(f.Process.Max), PStride: int32(f.Process.Stride),
			TMin: int32(f.Thread.Min), TMax: int32(f.Thread.Max), TStride: int32(f.Thread.Stride),
		}
	}
	return p.Group.BroadcastFilter(polarity, descs)
}

type peerMsg struct {
	reply   *peergroup.ReplyHeader
	payload []byte
	done    *peergroup.DoneMessage
	err     error
}

// DispatchData broadcasts DATA, then drains replies/DONEs from every
// worker connection concurrently, writing decoded RankResults to sink
// in arrival order until all workers have reported DONE.
func (p *DistributedPool) DispatchData(req Request, sink Sink) error {
	err := p.Group.BroadcastData(peergroup.DataRequest{
		RankLo: int32(req.RankLo), RankHi: int32(req.RankHi),
		TLo: int64(req.TLo), THi: int64(req.THi),
		PixelsH: int32(req.PixelsH), PixelsV: int32(req.PixelsV),
	})
	if err != nil {
		return err
	}

	msgs := make(chan peerMsg)
	for _, c := range p.Group.Conns {
		go func(c net.Conn) {
			for {
				h, payload, done, err := peergroup.ReadReplyOrDone(c)
				msgs <- peerMsg{reply: h, payload: payload, done: done, err: err}
				if err != nil || done != nil {
					return
				}
			}
		}(c)
	}

	remaining := len(p.Group.Conns)
	for remaining > 0 {
		m := <-msgs
		if m.err != nil {
			return m.err
		}
		if m.done != nil {
			remaining--
			continue
		}
		samples, err := decodeReplySamples(*m.reply, m.payload, p.Compress)
		if err != nil {
			return err
		}
		rr := RankResult{CursorLine: int(m.reply.CursorLine), RankID: int(m.reply.RankID), Samples: samples}
		if err := sink.Put(rr); err != nil {
			return err
		}
	}
	return nil
}

func (p *DistributedPool) Close() error { return p.Group.Close() }

// --- deterministic partition ---------------------------------------

// Span is a worker's assigned inclusive logical-rank range [Lo, Hi].
// Hi < Lo means the worker has nothing to do.
type Span struct {
	Lo, Hi int
}

// Partition splits [rankLo, rankHi) across numPeers-1 workers (peer
// rank 0 is the coordinator and never samples), following the
// deterministic rule: the first (n mod workers) workers get
// ceil(n/workers) ranks, the rest get floor(n/workers).
func Partition(rankLo, rankHi, numPeers int) []Span {
	workers := numPeers - 1
	if workers <= 0 {
		return nil
	}
	n := rankHi - rankLo
	mod := n % workers
	q := float64(n) / float64(workers)
	ceilQ := int(math.Ceil(q))
	floorQ := int(math.Floor(q))

	spans := make([]Span, workers)
	for k := 0; k < workers; k++ {
		lo := rankLo + ints.Min(mod, k)*ceilQ + (k-ints.Min(mod, k))*floorQ
		hi := rankLo + ints.Min(mod, k+1)*ceilQ + (k+1-ints.Min(mod, k+1))*floorQ - 1
		spans[k] = Span{Lo: lo, Hi: hi}
	}
	return spans
}

// Seed returns the autoskip starting cursor-line position for worker
// k (0-based) out of numWorkers, avoiding an O(n) scan from line 0:
// floor(k * totalLines / numWorkers).
func Seed(k, totalLines, numWorkers int) int {
	if numWorkers <= 0 {
		return 0
	}
	return (k * totalLines) / numWorkers
}

// AssignedCursorLines returns, in increasing order, every cursor_line
// in [0, total) whose mapped logical rank falls within span. rankOf
// must be non-decreasing in cursorLine (true of the striding mapping
// in Request.LogicalRank). seed is used as a starting hint so workers
// whose span lies far from line 0 don't need to rescan from the
// start; it never changes the result, only how quickly it is found.
func AssignedCursorLines(total int, span Span, seed int, rankOf func(cursorLine int) int) []int {
	if span.Hi < span.Lo || total <= 0 {
		return nil
	}
	if seed < 0 {
		seed = 0
	}
	if seed > total {
		seed = total
	}
	c := seed
	for c > 0 && rankOf(c-1) >= span.Lo {
		c--
	}
	for c < total && rankOf(c) < span.Lo {
		c++
	}
	var out []int
	for ; c < total && rankOf(c) <= span.Hi; c++ {
		out = append(out, c)
	}
	return out
}

func decodeReplySamples(h peergroup.ReplyHeader, payload []byte, compress bool) ([]cursor.Sample, error) {
	// The wire format is identical to wire.Header/wire.DecodeBody; the
	// peergroup reply header carries the same fields under different
	// names so workers and the final client share one wire encoding.
	wh := wire.Header{
		CursorLine:      h.CursorLine,
		EntryCount:      h.EntryCount,
		BeginTime:       h.BeginTime,
		EndTime:         h.EndTime,
		CompressedBytes: h.CompressedBytes,
	}
	return wire.DecodeBody(wh, payload, compress)
}
