package cluster_test

import (
	"testing"

	"google.golang.org/grpc"

	"github.com/crawlee-go/crawlee/cluster"
)

// looseDialOpts returns the extra gRPC dial options these tests need beyond
// NewWorkerClient's built-in insecure-transport default.
func looseDialOpts() []grpc.DialOption {
	return nil
}

// newLoopbackWorker starts a MasterControllerServer on a loopback port and
// returns a WorkerClient wired to it, torn down automatically at test end.
func newLoopbackWorker(t *testing.T) *cluster.WorkerClient {
	t.Helper()
	addr, stop := startTestServer(t)
	t.Cleanup(stop)

	w, err := cluster.NewWorkerClient("node-test", addr)
	if err != nil {
		t.Fatalf("NewWorkerClient: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return w
}
