// Package discovery maintains the MemberSet over a lossy multicast
// channel: each member periodically announces itself, and any member not
// heard from within a timeout is swept from the set.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/proto"
	"github.com/fistfight/votecast/internal/transport"
	log "github.com/sirupsen/logrus"
)

// Discovery owns the MemberSet: mapping NodeId -> last_seen, maintained
// over multicast ANNOUNCE datagrams.
type Discovery struct {
	self nodeid.ID
	mc   *transport.Multicast
	cfg  Config

	mu      sync.RWMutex
	members map[nodeid.ID]time.Time // does not include self

	changes chan struct{} // MEMBERSHIP_CHANGE events, buffered+coalesced
	metrics *metrics.Registry
	log     *log.Entry
}

// Config is the subset of the global config discovery needs.
type Config struct {
	AnnounceInterval time.Duration
	Timeout          time.Duration
}

// New builds a Discovery instance. seed peers (from a cluster bootstrap
// file) are pre-seeded into the member set so a ring can form before the
// first ANNOUNCE round completes.
func New(self nodeid.ID, mc *transport.Multicast, cfg Config, reg *metrics.Registry, logger *log.Entry, seed []nodeid.ID) *Discovery {
	d := &Discovery{
		self:    self,
		mc:      mc,
		cfg:     cfg,
		members: make(map[nodeid.ID]time.Time),
		changes: make(chan struct{}, 1),
		metrics: reg,
		log:     logger.WithField("component", "discovery"),
	}
	now := time.Now()
	for _, p := range seed {
		if p != self {
			d.members[p] = now
		}
	}
	return d
}

// Changes returns the MEMBERSHIP_CHANGE event stream. Sends are coalesced:
// a consumer that drains slowly still observes at least one notification
// per burst of changes, never blocks the discovery goroutines.
func (d *Discovery) Changes() <-chan struct{} {
	return d.changes
}

func (d *Discovery) signalChange() {
	select {
	case d.changes <- struct{}{}:
	default:
	}
	if d.metrics != nil {
		d.mu.RLock()
		d.metrics.MembersCurrent.Set(float64(len(d.members) + 1))
		d.mu.RUnlock()
	}
}

// Members returns a snapshot of currently known peers, not including self.
func (d *Discovery) Members() []nodeid.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]nodeid.ID, 0, len(d.members))
	for id := range d.members {
		out = append(out, id)
	}
	return out
}

// Remove evicts id immediately, e.g. when Heartbeat declares it dead.
// Self can never be evicted.
func (d *Discovery) Remove(id nodeid.ID) {
	if id == d.self {
		return
	}
	d.mu.Lock()
	_, existed := d.members[id]
	delete(d.members, id)
	d.mu.Unlock()
	if existed {
		d.log.WithField("peer", id).Info("membership removed")
		d.signalChange()
	}
}

// Run drives the periodic announce sender and sweep loop until ctx is
// cancelled. Call alongside a Multicast.Run goroutine dispatching to
// HandleAnnounce.
func (d *Discovery) Run(ctx context.Context) {
	announceTicker := time.NewTicker(d.cfg.AnnounceInterval)
	defer announceTicker.Stop()
	sweepTicker := time.NewTicker(d.cfg.Timeout / 2)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-announceTicker.C:
			d.announce()
		case <-sweepTicker.C:
			d.sweep()
		}
	}
}

func (d *Discovery) announce() {
	env, err := proto.Pack(proto.TagAnnounce, 0, 0, d.self, proto.AnnouncePayload{Self: d.self})
	if err != nil {
		d.log.WithError(err).Error("failed to pack ANNOUNCE")
		return
	}
	if err := d.mc.Send(env); err != nil {
		// TRANSIENT_IO: tolerated by redundancy, never surfaces.
		d.log.WithError(err).Debug("failed to send ANNOUNCE")
	}
}

// HandleAnnounce processes a received ANNOUNCE envelope.
func (d *Discovery) HandleAnnounce(env proto.Envelope) {
	var payload proto.AnnouncePayload
	if err := proto.Unpack(env, &payload); err != nil {
		d.log.WithError(err).Debug("dropping malformed ANNOUNCE")
		return
	}
	peer := payload.Self
	if peer == d.self {
		return
	}

	d.mu.Lock()
	_, known := d.members[peer]
	d.members[peer] = time.Now()
	d.mu.Unlock()

	if !known {
		d.log.WithField("peer", peer).Info("discovered new peer")
		d.signalChange()
	}
}

func (d *Discovery) sweep() {
	now := time.Now()
	var evicted []nodeid.ID
	d.mu.Lock()
	for id, lastSeen := range d.members {
		if now.Sub(lastSeen) > d.cfg.Timeout {
			delete(d.members, id)
			evicted = append(evicted, id)
		}
	}
	d.mu.Unlock()

	if len(evicted) > 0 {
		for _, id := range evicted {
			d.log.WithField("peer", id).Warn("evicting peer: discovery timeout")
		}
		d.signalChange()
	}
}
