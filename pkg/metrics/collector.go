package metrics

import (
	"time"

	"github.com/hivecompute/hive/pkg/manager"
)

// Collector periodically samples manager state into the gauges that
// cannot be updated at write sites (totals by status, occupancy).
type Collector struct {
	manager *manager.Manager
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(mgr *manager.Manager) *Collector {
	return &Collector{
		manager: mgr,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectSessionMetrics()
	c.collectAgentMetrics()
	c.collectRaftMetrics()
}

func (c *Collector) collectSessionMetrics() {
	sessions, err := c.manager.ListSessions()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, session := range sessions {
		counts[string(session.Status)]++
	}
	for status, count := range counts {
		SessionsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectAgentMetrics() {
	agents, err := c.manager.ListAgents()
	if err != nil {
		return
	}

	counts := make(map[string]int)
	for _, agent := range agents {
		counts[string(agent.Status)]++
		for slot, used := range agent.Occupied {
			AgentSlotOccupancy.WithLabelValues(agent.ID, slot).Set(float64(used))
		}
	}
	for status, count := range counts {
		AgentsTotal.WithLabelValues(status).Set(float64(count))
	}
}

func (c *Collector) collectRaftMetrics() {
	if c.manager.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	// Readiness follows leadership visibility: a node that sees no
	// leader cannot serve consistent reads or accept writes.
	if leader := c.manager.LeaderAddr(); leader != "" {
		SetComponentHealth("raft", true, "")
	} else {
		SetComponentHealth("raft", false, "no leader")
	}

	stats := c.manager.RaftStats()
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
}
