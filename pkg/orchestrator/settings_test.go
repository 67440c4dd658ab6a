package orchestrator

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

// fakeKV serves overrides from a static prefix map.
type fakeKV struct {
	rows map[string][]*models.KeyValueStore
}

func (f *fakeKV) ListByPrefix(_ context.Context, prefix string) ([]*models.KeyValueStore, error) {
	return f.rows[prefix], nil
}

var _ = Describe("SettingsProvider", func() {
	base := Settings{
		CondaCommand:       "mamba",
		DefaultPermissions: "775",
		LockerPluginName:   "mamba-solve",
	}

	It("returns the base settings without a key-value store", func() {
		p := NewSettingsProvider(base, nil, zap.NewNop())
		out, err := p.Resolve(context.Background(), "ns1", "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(Equal(base))
	})

	It("applies overrides most specific last", func() {
		kv := &fakeKV{rows: map[string][]*models.KeyValueStore{
			"global": {
				{Key: "conda_command", Value: "conda"},
			},
			"namespace/ns1": {
				{Key: "conda_command", Value: "micromamba"},
				{Key: "default_permissions", Value: "755"},
			},
			"environment/ns1/a": {
				{Key: "default_uid", Value: "1000"},
			},
		}}
		p := NewSettingsProvider(base, kv, zap.NewNop())

		out, err := p.Resolve(context.Background(), "ns1", "a")
		Expect(err).NotTo(HaveOccurred())
		Expect(out.CondaCommand).To(Equal("micromamba"))
		Expect(out.DefaultPermissions).To(Equal("755"))
		Expect(out.DefaultUID).To(Equal(1000))
	})

	It("skips namespace and environment scopes for an unscoped task", func() {
		kv := &fakeKV{rows: map[string][]*models.KeyValueStore{
			"global":        {{Key: "conda_command", Value: "conda"}},
			"namespace/ns1": {{Key: "conda_command", Value: "micromamba"}},
		}}
		p := NewSettingsProvider(base, kv, zap.NewNop())

		out, err := p.Resolve(context.Background(), "", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(out.CondaCommand).To(Equal("conda"))
	})

	It("ignores unknown override keys and malformed integers", func() {
		kv := &fakeKV{rows: map[string][]*models.KeyValueStore{
			"global": {
				{Key: "no_such_setting", Value: "x"},
				{Key: "default_uid", Value: "not-a-number"},
			},
		}}
		p := NewSettingsProvider(base, kv, zap.NewNop())

		out, err := p.Resolve(context.Background(), "", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(out.DefaultUID).To(Equal(0))
	})
})

var _ = Describe("BuildContext", func() {
	It("registers the locker in a scoped registry and unregisters on Close", func() {
		h := newTestHarness(newFakeBuildStore(), map[int64]*models.Specification{}, Settings{})

		bc, err := NewBuildContext(context.Background(), h.orchestrator.store, "ns1", "a")
		Expect(err).NotTo(HaveOccurred())

		locker, err := bc.Locker()
		Expect(err).NotTo(HaveOccurred())
		Expect(locker.Name()).To(Equal("fake-locker"))

		bc.Close()
		// The top-level registration is untouched; only the scoped one
		// is gone.
		_, err = h.orchestrator.store.Plugins.Lock("fake-locker")
		Expect(err).NotTo(HaveOccurred())
	})

	It("fails construction when the configured locker is unknown", func() {
		h := newTestHarness(newFakeBuildStore(), map[int64]*models.Specification{}, Settings{
			LockerPluginName: "no-such-locker",
		})
		_, err := NewBuildContext(context.Background(), h.orchestrator.store, "ns1", "a")
		Expect(err).To(HaveOccurred())
	})
})
