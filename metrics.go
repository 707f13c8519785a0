package hashdb

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

// Operation counters, shared by all handles in the process
var (
	fetchTotal             = metrics.GetOrCreateCounter("hashdb_fetch_total")
	storeTotal             = metrics.GetOrCreateCounter("hashdb_store_total")
	deleteTotal            = metrics.GetOrCreateCounter("hashdb_delete_total")
	transactionCommitTotal = metrics.GetOrCreateCounter("hashdb_transaction_commit_total")
	transactionCancelTotal = metrics.GetOrCreateCounter("hashdb_transaction_cancel_total")
	expandTotal            = metrics.GetOrCreateCounter("hashdb_expand_total")
	recoveryTotal          = metrics.GetOrCreateCounter("hashdb_recovery_total")
)

// WriteMetrics - Writes the operation counters in Prometheus text format
func WriteMetrics(w io.Writer) {
	metrics.WritePrometheus(w, false)
}
