package control

import (
	"fmt"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/cory-johannsen/botswarm/internal/swarm"
)

// stateMap flattens a snapshot into structpb-compatible values. Counts and
// failures are keyed by state and reason name.
func stateMap(st swarm.State) map[string]any {
	counts := make(map[string]any, len(st.Counts))
	for state, n := range st.Counts {
		counts[state.String()] = n
	}
	failures := make(map[string]any, len(st.Failures))
	for reason, n := range st.Failures {
		failures[reason.String()] = n
	}
	recent := make([]any, 0, len(st.RecentErrors))
	for _, e := range st.RecentErrors {
		recent = append(recent, map[string]any{
			"time":    e.Time.UTC().Format(time.RFC3339Nano),
			"slot":    e.Slot,
			"bot":     e.Bot,
			"reason":  e.Reason,
			"message": e.Message,
		})
	}
	return map[string]any{
		"id":            st.ID,
		"target":        st.Target,
		"version":       st.Version.ID,
		"requested":     st.Requested,
		"capacity":      st.Capacity,
		"total":         st.Total,
		"active":        st.Active(),
		"attempts":      st.Attempts,
		"dropped":       st.Dropped,
		"running":       st.Running,
		"paused":        st.Paused,
		"started_at":    st.StartedAt.UTC().Format(time.RFC3339Nano),
		"counts":        counts,
		"failures":      failures,
		"recent_errors": recent,
	}
}

func stateStruct(st swarm.State) (*structpb.Struct, error) {
	return newStruct(stateMap(st))
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encoding response: %v", err))
	}
	return s, nil
}
