package watch

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	k8scache "k8s.io/client-go/tools/cache"

	"github.com/open-policy-agent/opa-bundle-sidecar/internal/logging"
	"github.com/open-policy-agent/opa-bundle-sidecar/internal/sources"
)

// Feed consumes the ConfigMap watch stream for one namespace, filtered by a
// label selector, and mirrors it into the source cache. The informer delivers
// an initial LIST as a burst of adds and transparently re-lists after watch
// disruptions, so the cache converges on the cluster state without the feed
// having to handle reconnects itself.
type Feed struct {
	client    kubernetes.Interface
	namespace string
	selector  string
	cache     *sources.Cache
	notify    func()
	log       *logging.Logger
	synced    chan struct{}
}

// New constructs a feed. notify is called after every event that changed the
// cache content, and once after the initial sync even if nothing matched, so
// an empty namespace still yields a first (empty) bundle.
func New(client kubernetes.Interface, namespace, selector string, cache *sources.Cache, notify func(), log *logging.Logger) *Feed {
	return &Feed{
		client:    client,
		namespace: namespace,
		selector:  selector,
		cache:     cache,
		notify:    notify,
		log:       log,
		synced:    make(chan struct{}),
	}
}

// Synced is closed once the initial snapshot has been applied.
func (f *Feed) Synced() <-chan struct{} {
	return f.synced
}

// Run blocks until ctx is cancelled or the informer cannot be started.
func (f *Feed) Run(ctx context.Context) error {
	factory := informers.NewSharedInformerFactoryWithOptions(f.client, 0,
		informers.WithNamespace(f.namespace),
		informers.WithTweakListOptions(func(opts *metav1.ListOptions) {
			opts.LabelSelector = f.selector
		}),
	)

	informer := factory.Core().V1().ConfigMaps().Informer()

	registration, err := informer.AddEventHandler(k8scache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			f.apply(obj)
		},
		UpdateFunc: func(_, obj any) {
			f.apply(obj)
		},
		DeleteFunc: func(obj any) {
			f.delete(obj)
		},
	})
	if err != nil {
		return fmt.Errorf("add event handler: %w", err)
	}

	factory.Start(ctx.Done())
	defer factory.Shutdown()

	// The registration's HasSynced, unlike the informer's, only reports true
	// once the initial LIST has been delivered to our handlers, so the cache
	// holds the complete snapshot when the barrier opens.
	if !k8scache.WaitForCacheSync(ctx.Done(), registration.HasSynced) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fmt.Errorf("configmap informer for namespace %q did not sync", f.namespace)
	}

	f.log.Infof("watching configmaps in namespace %q matching %q, %d cached", f.namespace, f.selector, f.cache.Len())
	close(f.synced)
	f.notify()

	<-ctx.Done()
	return ctx.Err()
}

func (f *Feed) apply(obj any) {
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		f.log.Warnf("watch feed delivered unexpected object %T", obj)
		return
	}
	if f.cache.Upsert(toSource(cm)) {
		f.notify()
	}
}

func (f *Feed) delete(obj any) {
	if tombstone, ok := obj.(k8scache.DeletedFinalStateUnknown); ok {
		// The watch feed was disrupted and the delete was observed via
		// re-list; the tombstone wraps the last known object state.
		obj = tombstone.Obj
	}
	cm, ok := obj.(*corev1.ConfigMap)
	if !ok {
		f.log.Warnf("watch feed delivered unexpected deleted object %T", obj)
		return
	}
	if f.cache.Delete(sources.Key{Namespace: cm.Namespace, Name: cm.Name}) {
		f.notify()
	}
}

// toSource flattens a ConfigMap's data and binaryData into one entry map.
// A key present in both resolves to binaryData; within one object that is
// the deterministic choice because the API server rejects such ConfigMaps
// anyway, so this only guards against hand-crafted fakes in tests.
func toSource(cm *corev1.ConfigMap) sources.PolicySource {
	entries := make(map[string][]byte, len(cm.Data)+len(cm.BinaryData))
	for name, content := range cm.Data {
		entries[name] = []byte(content)
	}
	for name, content := range cm.BinaryData {
		entries[name] = content
	}
	return sources.PolicySource{
		Key:             sources.Key{Namespace: cm.Namespace, Name: cm.Name},
		ResourceVersion: cm.ResourceVersion,
		Entries:         entries,
	}
}

// WaitSynced blocks until the initial snapshot has been applied or the
// timeout elapses. Intended for startup ordering and tests.
func (f *Feed) WaitSynced(ctx context.Context, timeout time.Duration) error {
	select {
	case <-f.synced:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("watch feed not synced after %v", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
