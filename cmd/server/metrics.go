package main

import (
	"fmt"
	"net/http"

	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/docstore"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/persistence/indexdb"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/relay"
	"github.com/rlavkvmflzk/metalic-combat-system-sub001/internal/transport/ws"
)

// metricsHandler writes a minimal Prometheus text exposition.
func metricsHandler(tableID string, store *docstore.Memory, hub *relay.Hub, wsSrv *ws.Server, idx *indexdb.SQLiteIndex) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		fmt.Fprintf(rw, "# HELP mcs_store_seq Sequence number of the last committed change.\n")
		fmt.Fprintf(rw, "# TYPE mcs_store_seq counter\n")
		fmt.Fprintf(rw, "mcs_store_seq{table=%q} %d\n", tableID, store.Seq())

		p := hub.Presence()
		fmt.Fprintf(rw, "# HELP mcs_relay_peers Connected peers.\n")
		fmt.Fprintf(rw, "# TYPE mcs_relay_peers gauge\n")
		fmt.Fprintf(rw, "mcs_relay_peers{table=%q} %d\n", tableID, len(p.Peers))
		fmt.Fprintf(rw, "# HELP mcs_relay_authority 1 for the elected authoritative user.\n")
		fmt.Fprintf(rw, "# TYPE mcs_relay_authority gauge\n")
		if p.Authority != "" {
			fmt.Fprintf(rw, "mcs_relay_authority{table=%q,user=%q} 1\n", tableID, p.Authority)
		}

		combats := store.Combats()
		fmt.Fprintf(rw, "# HELP mcs_combat_round Current round per combat.\n")
		fmt.Fprintf(rw, "# TYPE mcs_combat_round gauge\n")
		for _, cb := range combats {
			fmt.Fprintf(rw, "mcs_combat_round{table=%q,combat=%q} %d\n", tableID, cb.ID, cb.Round)
		}

		st := wsSrv.Stats()
		fmt.Fprintf(rw, "# HELP mcs_ws_sessions Open websocket sessions.\n")
		fmt.Fprintf(rw, "# TYPE mcs_ws_sessions gauge\n")
		fmt.Fprintf(rw, "mcs_ws_sessions{table=%q} %d\n", tableID, st.Sessions)
		fmt.Fprintf(rw, "# HELP mcs_ws_frames_total Websocket frames by outcome.\n")
		fmt.Fprintf(rw, "# TYPE mcs_ws_frames_total counter\n")
		fmt.Fprintf(rw, "mcs_ws_frames_total{table=%q,kind=%q} %d\n", tableID, "in", st.FramesIn)
		fmt.Fprintf(rw, "mcs_ws_frames_total{table=%q,kind=%q} %d\n", tableID, "commit", st.Commits)
		fmt.Fprintf(rw, "mcs_ws_frames_total{table=%q,kind=%q} %d\n", tableID, "reject", st.Rejects)
		fmt.Fprintf(rw, "mcs_ws_frames_total{table=%q,kind=%q} %d\n", tableID, "invoke", st.Invokes)
		fmt.Fprintf(rw, "# HELP mcs_ws_slow_drops_total Sessions dropped for a full outbound queue.\n")
		fmt.Fprintf(rw, "# TYPE mcs_ws_slow_drops_total counter\n")
		fmt.Fprintf(rw, "mcs_ws_slow_drops_total{table=%q} %d\n", tableID, st.SlowDrops)

		is := idx.Stats()
		fmt.Fprintf(rw, "# HELP mcs_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE mcs_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "mcs_index_queue_depth{table=%q} %d\n", tableID, is.QueueDepth)
		fmt.Fprintf(rw, "# HELP mcs_index_drops_total Index rows dropped for a full queue.\n")
		fmt.Fprintf(rw, "# TYPE mcs_index_drops_total counter\n")
		fmt.Fprintf(rw, "mcs_index_drops_total{table=%q,kind=%q} %d\n", tableID, "change", is.DropChangeTotal)
		fmt.Fprintf(rw, "mcs_index_drops_total{table=%q,kind=%q} %d\n", tableID, "notice", is.DropNoticeTotal)
		fmt.Fprintf(rw, "mcs_index_drops_total{table=%q,kind=%q} %d\n", tableID, "snapshot", is.DropSnapshotTotal)
		fmt.Fprintf(rw, "mcs_index_drops_total{table=%q,kind=%q} %d\n", tableID, "archive", is.DropArchiveTotal)
	}
}
