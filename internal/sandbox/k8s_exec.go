package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
)

var schemeGroupVersionMetrics = schema.GroupVersion{Group: "metrics.k8s.io", Version: "v1beta1"}

// Exec runs a one-shot command in the pod backing containerID (a Sandbox
// name) and captures its output, unlike the teacher's long-lived PTY
// exec.Process abstraction in internal/sandbox/exec.go: the bridge process
// here is launched once via Create/Start and talked to over message files
// (§4.5), so Exec only needs request/response semantics for readiness
// checks and one-shot maintenance commands.
func (k *K8sDriver) Exec(ctx context.Context, containerID string, opts ExecOptions) (ExecResult, error) {
	k.mu.RLock()
	ref, ok := k.pods[containerID]
	k.mu.RUnlock()
	if !ok {
		return ExecResult{}, &EngineError{Kind: KindNotFound, Op: "exec", Err: fmt.Errorf("no pod resolved for %s", containerID)}
	}

	req := k.clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(ref.podName).
		Namespace(ref.namespace).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: sandboxContainerName,
			Command:   opts.Argv,
			Stdin:     opts.AttachStdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(k.restCfg, http.MethodPost, req.URL())
	if err != nil {
		return ExecResult{}, &EngineError{Kind: KindOther, Op: "exec_build", Err: err}
	}

	var stdout, stderr bytes.Buffer
	streamErr := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  opts.AttachStdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})

	exitCode := 0
	if streamErr != nil {
		if codeErr, ok := streamErr.(interface{ ExitStatus() int }); ok {
			exitCode = codeErr.ExitStatus()
		} else {
			return ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, &EngineError{Kind: KindOther, Op: "exec_stream", Err: streamErr}
		}
	}

	return ExecResult{ExitCode: exitCode, Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// WriteFIFO runs argv in the pod with stdin attached to data. Pod execs are
// already streamed over the apiserver connection rather than a local
// terminal, so no PTY allocation is needed here the way the Docker backend
// needs one for its `docker exec` subprocess.
func (k *K8sDriver) WriteFIFO(ctx context.Context, containerID string, argv []string, data io.Reader) error {
	res, err := k.Exec(ctx, containerID, ExecOptions{Argv: argv, AttachStdin: data})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &EngineError{Kind: KindOther, Op: "write_fifo", Err: fmt.Errorf("writer exited %d: %s", res.ExitCode, res.Stderr)}
	}
	return nil
}

// podMetricsResponse mirrors the subset of the metrics.k8s.io PodMetrics
// shape this driver reads off the raw REST response.
type podMetricsResponse struct {
	Containers []struct {
		Usage struct {
			CPU    string `json:"cpu"`
			Memory string `json:"memory"`
		} `json:"usage"`
	} `json:"containers"`
}

// fetchPodMetrics queries the metrics-server aggregated API directly
// instead of pulling in a dedicated metrics-client dependency for a single
// read-only call.
func fetchPodMetrics(ctx context.Context, cfg *rest.Config, namespace, podName string) (Stats, error) {
	restClient, err := rest.UnversionedRESTClientFor(withMetricsGroupVersion(cfg))
	if err != nil {
		return Stats{}, fmt.Errorf("metrics client: %w", err)
	}

	path := fmt.Sprintf("/apis/metrics.k8s.io/v1beta1/namespaces/%s/pods/%s", namespace, podName)
	raw, err := restClient.Get().AbsPath(path).DoRaw(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("metrics-server query: %w", err)
	}

	var parsed podMetricsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Stats{}, fmt.Errorf("decode pod metrics: %w", err)
	}
	if len(parsed.Containers) == 0 {
		return Stats{}, nil
	}

	cpuQty, err := resource.ParseQuantity(parsed.Containers[0].Usage.CPU)
	if err != nil {
		return Stats{}, fmt.Errorf("parse cpu quantity: %w", err)
	}
	memQty, err := resource.ParseQuantity(parsed.Containers[0].Usage.Memory)
	if err != nil {
		return Stats{}, fmt.Errorf("parse memory quantity: %w", err)
	}

	return Stats{
		CPUPercent:  float64(cpuQty.MilliValue()) / 10.0,
		MemoryBytes: memQty.Value(),
	}, nil
}

func withMetricsGroupVersion(cfg *rest.Config) *rest.Config {
	cpy := *cfg
	cpy.ContentConfig = rest.ContentConfig{
		GroupVersion:         &schemeGroupVersionMetrics,
		NegotiatedSerializer: scheme.Codecs.WithoutConversion(),
	}
	return &cpy
}
