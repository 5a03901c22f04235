package router

import (
	"encoding/json"
	"strconv"
)

// State is a snapshot of the router for the state view.
type State struct {
	Sessions []SessionState `json:"sessions"`
	Bridge   *BridgeState   `json:"bridge,omitempty"`
	Pending  int            `json:"pending"`
}

// SessionState describes one client session.
type SessionState struct {
	ID            string   `json:"id"`
	ClientID      string   `json:"client_id"`
	Phase         string   `json:"phase"`
	Subscriptions []string `json:"subscriptions"`
	PID           int32    `json:"pid,omitempty"`
	Process       string   `json:"process,omitempty"`
}

// BridgeState describes the attached bridge.
type BridgeState struct {
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
}

// State returns a snapshot of sessions, the bridge and pending requests.
func (r *Router) State() State {
	r.mu.Lock()
	pending := len(r.pending)
	pids := make(map[string]int32, len(r.retained))
	for id, m := range r.retained {
		for _, ra := range m {
			if pid, ok := pidOf(ra.args); ok {
				pids[id.String()] = pid
			}
		}
	}
	ref, attached := r.reg.Bridge()
	r.mu.Unlock()

	st := State{Sessions: []SessionState{}, Pending: pending}
	if attached {
		st.Bridge = &BridgeState{ID: ref.ID.String(), Generation: ref.Generation}
	}
	for _, c := range r.reg.Clients() {
		info := c.Client.Info()
		ss := SessionState{
			ID:            c.ID.String(),
			ClientID:      info.ClientID,
			Phase:         info.Phase,
			Subscriptions: info.Subscriptions,
			PID:           pids[c.ID.String()],
		}
		if ss.PID > 0 && r.cfg.ProcessName != nil {
			ss.Process = r.cfg.ProcessName(ss.PID)
		}
		st.Sessions = append(st.Sessions, ss)
	}
	return st
}

func pidOf(args map[string]any) (int32, bool) {
	var n int64
	switch v := args["pid"].(type) {
	case json.Number:
		i, err := strconv.ParseInt(v.String(), 10, 32)
		if err != nil {
			return 0, false
		}
		n = i
	case float64:
		n = int64(v)
	default:
		return 0, false
	}
	if n <= 0 {
		return 0, false
	}
	return int32(n), true
}
