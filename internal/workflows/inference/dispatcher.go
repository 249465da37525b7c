// Package inference implements the inference dispatch surface (§4.J): the
// core treats the inference server as a remote evaluator behind a narrow
// interface, plus the deploy/undeploy workflows that manage the model
// repository filesystem under an exclusive github.com/gofrs/flock lock
// (grounded on the teacher's cmd/bd/jsonl_lock.go retry-with-timeout
// exclusive-lock idiom).
package inference

import "context"

// Dispatcher is the remote evaluator the core drives (§4.J). The repo ships
// one implementation, httpclient.go's Client, since the inference server is
// an explicit external collaborator (§1 Non-goals) — this interface is the
// boundary a test fake sits behind, not a server reimplementation.
type Dispatcher interface {
	IsModelReady(ctx context.Context, pluginName, modelID string) (bool, error)
	ForwardQuery(ctx context.Context, pluginName, modelID string, query interface{}) ([]float32, error)
	ForwardItems(ctx context.Context, pluginName, modelID string, items []interface{}) ([][]float32, error)
}
