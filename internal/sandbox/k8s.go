package sandbox

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/kubernetes"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sandboxv1alpha1 "sigs.k8s.io/agent-sandbox/api/v1alpha1"
)

const (
	k8sLabelManagedBy    = "managed-by"
	k8sLabelValue        = "agentbroker"
	sandboxNameHashLabel = "agents.x-k8s.io/sandbox-name-hash"
	sandboxContainerName = "agent"
	pollInterval         = 2 * time.Second
	pollTimeout          = 5 * time.Minute
)

// K8sConfig holds the cluster-side settings the Sandbox CR needs that have
// no home in the engine-neutral CreateSpec: namespace, storage class, and
// per-session PVC size.
type K8sConfig struct {
	Namespace          string
	StorageClassName   string
	SessionStorageSize string
	RuntimeClassName   string
}

type podRef struct {
	sandboxName string
	namespace   string
	podName     string
}

// K8sDriver implements Driver against a Kubernetes cluster running the
// agent-sandbox controller, grounded on internal/sandbox/manager.go's
// Sandbox-CR lifecycle but trimmed of that file's multi-tenant
// namespace-lookup-via-database and opencode/openclaw image branching,
// neither of which SPEC_FULL.md names.
type K8sDriver struct {
	cfg       K8sConfig
	restCfg   *rest.Config
	k8s       client.Client
	clientset kubernetes.Interface

	mu   sync.RWMutex
	pods map[string]*podRef // containerID (sandbox name) -> resolved pod
}

// NewK8sDriver builds a driver using in-cluster config, falling back to
// KUBECONFIG for local development against a remote cluster.
func NewK8sDriver(cfg K8sConfig) (*K8sDriver, error) {
	restCfg, err := buildRESTConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}

	scheme := runtime.NewScheme()
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(sandboxv1alpha1.AddToScheme(scheme))

	k8sClient, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("controller-runtime client: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("kubernetes clientset: %w", err)
	}

	return &K8sDriver{
		cfg:       cfg,
		restCfg:   restCfg,
		k8s:       k8sClient,
		clientset: clientset,
		pods:      make(map[string]*podRef),
	}, nil
}

func buildRESTConfig() (*rest.Config, error) {
	cfg, err := rest.InClusterConfig()
	if err == nil {
		return cfg, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		kubeconfig = os.Getenv("HOME") + "/.kube/config"
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// BuildImage has no meaning against a cluster: sandbox images are built out
// of band and pushed to a registry the cluster can pull from.
func (k *K8sDriver) BuildImage(ctx context.Context, contextDir, tag string) error {
	return &EngineError{Kind: KindOther, Op: "build_image", Err: fmt.Errorf("k8s driver does not build images, push %s to a reachable registry instead", tag)}
}

// GetImage always reports present: the kubelet resolves and pulls the image
// at pod admission time, so there is nothing to pre-check here.
func (k *K8sDriver) GetImage(ctx context.Context, tag string) (bool, error) {
	return true, nil
}

func (k *K8sDriver) GetContainer(ctx context.Context, id string) (State, error) {
	var sb sandboxv1alpha1.Sandbox
	key := client.ObjectKey{Namespace: k.cfg.Namespace, Name: id}
	if err := k.k8s.Get(ctx, key, &sb); err != nil {
		return "", &EngineError{Kind: KindNotFound, Op: "get_container", Err: err}
	}
	if sb.Spec.Replicas != nil && *sb.Spec.Replicas == 0 {
		return StateStopped, nil
	}
	if isSandboxReady(&sb) {
		return StateRunning, nil
	}
	return StateCreating, nil
}

// Create submits a Sandbox CR sized per spec and returns its name as the
// containerID used by the rest of the Driver contract.
func (k *K8sDriver) Create(ctx context.Context, spec CreateSpec) (string, error) {
	name := spec.Name
	if name == "" {
		name = "agent-sandbox-" + shortHash(fmt.Sprintf("%v", spec))
	}

	envVars := make([]corev1.EnvVar, 0, len(spec.Env)+1)
	envVars = append(envVars, corev1.EnvVar{Name: "TERM", Value: "xterm-256color"})
	for _, kv := range spec.Env {
		name, value := splitEnv(kv)
		if name != "" {
			envVars = append(envVars, corev1.EnvVar{Name: name, Value: value})
		}
	}

	volumeMounts := []corev1.VolumeMount{{Name: "session-data", MountPath: spec.WorkDir}}
	for _, m := range spec.Mounts {
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name: "extra-" + shortHash(m.ContainerPath), MountPath: m.ContainerPath, ReadOnly: m.ReadOnly,
		})
	}

	storageSize := k.cfg.SessionStorageSize
	if storageSize == "" {
		storageSize = "10Gi"
	}
	vct := sandboxv1alpha1.PersistentVolumeClaimTemplate{
		EmbeddedObjectMetadata: sandboxv1alpha1.EmbeddedObjectMetadata{Name: "session-data"},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resource.MustParse(storageSize)},
			},
		},
	}
	if k.cfg.StorageClassName != "" {
		sc := k.cfg.StorageClassName
		vct.Spec.StorageClassName = &sc
	}

	var runtimeClass *string
	if k.cfg.RuntimeClassName != "" {
		rc := k.cfg.RuntimeClassName
		runtimeClass = &rc
	}

	command := spec.Command
	if len(command) == 0 {
		command = []string{"sleep", "infinity"}
	}

	sb := &sandboxv1alpha1.Sandbox{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: k.cfg.Namespace,
			Labels:    map[string]string{k8sLabelManagedBy: k8sLabelValue},
		},
		Spec: sandboxv1alpha1.SandboxSpec{
			VolumeClaimTemplates: []sandboxv1alpha1.PersistentVolumeClaimTemplate{vct},
			PodTemplate: sandboxv1alpha1.PodTemplate{
				ObjectMeta: sandboxv1alpha1.PodMetadata{Labels: map[string]string{k8sLabelManagedBy: k8sLabelValue}},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:            sandboxContainerName,
						Image:           spec.Image,
						Command:         command,
						Env:             envVars,
						VolumeMounts:    volumeMounts,
						ImagePullPolicy: corev1.PullIfNotPresent,
						Resources: corev1.ResourceRequirements{
							Limits: corev1.ResourceList{
								corev1.ResourceMemory: memoryQuantity(spec.MemoryBytes),
								corev1.ResourceCPU:    cpuQuantityNanos(spec.NanoCPUs),
							},
						},
					}},
					RuntimeClassName: runtimeClass,
					RestartPolicy:    corev1.RestartPolicyNever,
				},
			},
		},
	}

	if err := k.k8s.Create(ctx, sb); err != nil {
		return "", &EngineError{Kind: KindOther, Op: "create", Err: err}
	}
	return name, nil
}

func splitEnv(kv string) (string, string) {
	for i := range kv {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:]
		}
	}
	return kv, ""
}

// Start scales the Sandbox CR back to 1 replica (a no-op patch if it is
// already there from Create) and blocks until its backing pod reports
// Running, caching the resolved pod name for Exec/Stats. This is what lets a
// Stop-then-Start round trip resume a paused sandbox instead of hanging in
// waitForReady until a pod that will never appear, mirroring the teacher's
// ResumeContainerWithIP.
func (k *K8sDriver) Start(ctx context.Context, containerID string) error {
	sb := &sandboxv1alpha1.Sandbox{ObjectMeta: metav1.ObjectMeta{Name: containerID, Namespace: k.cfg.Namespace}}
	patch := []byte(`{"spec":{"replicas":1}}`)
	if err := k.k8s.Patch(ctx, sb, client.RawPatch(types.MergePatchType, patch)); err != nil {
		return &EngineError{Kind: KindOther, Op: "start", Err: fmt.Errorf("patch sandbox replicas to 1: %w", err)}
	}

	podName, err := k.waitForReady(ctx, containerID)
	if err != nil {
		return &EngineError{Kind: KindTimeout, Op: "start", Err: err}
	}
	k.mu.Lock()
	k.pods[containerID] = &podRef{sandboxName: containerID, namespace: k.cfg.Namespace, podName: podName}
	k.mu.Unlock()
	return nil
}

// Stop scales the Sandbox CR to zero replicas, leaving the PVC intact for a
// later Start to resume from, mirroring the teacher's Pause.
func (k *K8sDriver) Stop(ctx context.Context, containerID string, grace time.Duration) error {
	sb := &sandboxv1alpha1.Sandbox{ObjectMeta: metav1.ObjectMeta{Name: containerID, Namespace: k.cfg.Namespace}}
	patch := []byte(`{"spec":{"replicas":0}}`)
	if err := k.k8s.Patch(ctx, sb, client.RawPatch(types.MergePatchType, patch)); err != nil {
		return &EngineError{Kind: KindOther, Op: "stop", Err: err}
	}
	k.mu.Lock()
	delete(k.pods, containerID)
	k.mu.Unlock()
	return nil
}

// Remove deletes the Sandbox CR and its backing PVC.
func (k *K8sDriver) Remove(ctx context.Context, containerID string, force bool) error {
	sb := &sandboxv1alpha1.Sandbox{ObjectMeta: metav1.ObjectMeta{Name: containerID, Namespace: k.cfg.Namespace}}
	if err := k.k8s.Delete(ctx, sb); err != nil {
		if client.IgnoreNotFound(err) == nil {
			return nil
		}
		return &EngineError{Kind: KindConflict, Op: "remove", Err: err}
	}
	k.mu.Lock()
	delete(k.pods, containerID)
	k.mu.Unlock()
	return nil
}

func (k *K8sDriver) WaitReady(ctx context.Context, containerID string, checkCmd []string, deadline, interval time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		res, err := k.Exec(waitCtx, containerID, ExecOptions{Argv: checkCmd})
		if err == nil && res.ExitCode == 0 {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return &EngineError{Kind: KindTimeout, Op: "wait_ready", Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

func (k *K8sDriver) Stats(ctx context.Context, containerID string) (Stats, error) {
	k.mu.RLock()
	ref, ok := k.pods[containerID]
	k.mu.RUnlock()
	if !ok {
		return Stats{}, &EngineError{Kind: KindNotFound, Op: "stats", Err: fmt.Errorf("no pod resolved for %s", containerID)}
	}

	metrics, err := fetchPodMetrics(ctx, k.restCfg, ref.namespace, ref.podName)
	if err != nil {
		return Stats{}, &EngineError{Kind: KindOther, Op: "stats", Err: err}
	}
	return metrics, nil
}

func (k *K8sDriver) Close() error {
	return nil
}

func (k *K8sDriver) waitForReady(ctx context.Context, sandboxName string) (string, error) {
	deadline := time.Now().Add(pollTimeout)
	hash := nameHash(sandboxName)

	for time.Now().Before(deadline) {
		var sb sandboxv1alpha1.Sandbox
		key := client.ObjectKey{Namespace: k.cfg.Namespace, Name: sandboxName}
		if err := k.k8s.Get(ctx, key, &sb); err != nil {
			time.Sleep(pollInterval)
			continue
		}

		if isSandboxReady(&sb) {
			podList, err := k.clientset.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: sandboxNameHashLabel + "=" + hash,
			})
			if err == nil {
				for _, pod := range podList.Items {
					if pod.Status.Phase == corev1.PodRunning {
						return pod.Name, nil
					}
				}
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
	return "", fmt.Errorf("timed out waiting for sandbox %s", sandboxName)
}

func isSandboxReady(sb *sandboxv1alpha1.Sandbox) bool {
	for _, c := range sb.Status.Conditions {
		if c.Type == string(sandboxv1alpha1.SandboxConditionReady) && c.Status == metav1.ConditionTrue {
			return true
		}
	}
	return false
}

func nameHash(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	return fmt.Sprintf("%08x", h.Sum32())
}

func shortHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}

func cpuQuantityNanos(nanoCPUs int64) resource.Quantity {
	millis := nanoCPUs / 1_000_000
	if millis == 0 {
		millis = 2000
	}
	return *resource.NewMilliQuantity(millis, resource.DecimalSI)
}

func memoryQuantity(bytes int64) resource.Quantity {
	if bytes == 0 {
		bytes = 2 * 1024 * 1024 * 1024
	}
	return *resource.NewQuantity(bytes, resource.BinarySI)
}
