package broker

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/conda-store/condastore/pkg/testutil"
)

var _ = Describe("Broker", func() {
	components := testutil.BrokerTestSuite("Broker")
	factory := testutil.NewTestDataFactory()

	var (
		b      *Broker
		ctx    context.Context
		worker string
	)

	BeforeEach(func() {
		b = New(components.RedisClient, components.Logger)
		ctx = components.Context
		worker = factory.UniqueWorkerName()
	})

	Describe("task names", func() {
		It("round-trips through the build-task grammar", func() {
			name := TaskName(42, "install")
			Expect(name).To(Equal("build-42-install"))
			id, stage, ok := ParseTaskName(name)
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal(int64(42)))
			Expect(stage).To(Equal("install"))
		})

		It("rejects names outside the grammar", func() {
			for _, name := range []string{"solve-42", "build--install", "build-42", "cleanup"} {
				_, _, ok := ParseTaskName(name)
				Expect(ok).To(BeFalse(), name)
			}
		})
	})

	Describe("queue", func() {
		It("delivers enqueued builds in order", func() {
			Expect(b.Enqueue(ctx, 1)).To(Succeed())
			Expect(b.Enqueue(ctx, 2)).To(Succeed())

			id, ok, err := b.Dequeue(ctx, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal(int64(1)))

			id, ok, err = b.Dequeue(ctx, time.Second)
			Expect(err).NotTo(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal(int64(2)))
		})
	})

	Describe("active-task inventory", func() {
		It("reports registered tasks per worker", func() {
			other := factory.UniqueWorkerName()
			Expect(b.RegisterTask(ctx, worker, TaskName(7, "solve"))).To(Succeed())
			Expect(b.RegisterTask(ctx, worker, TaskName(7, "install"))).To(Succeed())
			Expect(b.RegisterTask(ctx, other, TaskName(9, "conda_pack"))).To(Succeed())

			active, err := b.ActiveBuildIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(HaveKey(int64(7)))
			Expect(active[int64(7)]).To(ConsistOf("solve", "install"))
			Expect(active).To(HaveKey(int64(9)))
		})

		It("drops a task on unregister", func() {
			Expect(b.RegisterTask(ctx, worker, TaskName(7, "solve"))).To(Succeed())
			Expect(b.UnregisterTask(ctx, worker, TaskName(7, "solve"))).To(Succeed())

			active, err := b.ActiveBuildIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).NotTo(HaveKey(int64(7)))
		})

		It("expires a crashed worker's inventory", func() {
			Expect(b.RegisterTask(ctx, worker, TaskName(7, "install"))).To(Succeed())
			components.Redis.FastForward(2 * time.Minute)

			active, err := b.ActiveBuildIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeEmpty())
		})

		It("keeps a heartbeating worker's inventory alive", func() {
			Expect(b.RegisterTask(ctx, worker, TaskName(7, "install"))).To(Succeed())
			components.Redis.FastForward(30 * time.Second)
			Expect(b.Heartbeat(ctx, worker)).To(Succeed())
			components.Redis.FastForward(30 * time.Second)

			active, err := b.ActiveBuildIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(HaveKey(int64(7)))
		})

		It("ignores inventory entries outside the task grammar", func() {
			Expect(b.RegisterTask(ctx, worker, "maintenance-sweep")).To(Succeed())
			active, err := b.ActiveBuildIDs(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(active).To(BeEmpty())
		})
	})
})
