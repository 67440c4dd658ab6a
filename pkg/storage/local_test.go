package storage

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
)

var _ = Describe("LocalBackend", func() {
	var (
		backend *LocalBackend
		dir     string
		ctx     context.Context
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		backend = NewLocalBackend(dir, "/storage", zap.NewNop())
		ctx = context.Background()
	})

	It("round-trips set and get", func() {
		Expect(backend.Set(ctx, "build-1/lockfile.json", []byte(`{"version":1}`), "application/json")).To(Succeed())
		data, err := backend.Get(ctx, "build-1/lockfile.json")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte(`{"version":1}`)))
	})

	It("returns a not-found error after delete", func() {
		Expect(backend.Set(ctx, "k", []byte("v"), "text/plain")).To(Succeed())
		Expect(backend.Delete(ctx, "k")).To(Succeed())
		_, err := backend.Get(ctx, "k")
		Expect(err).To(HaveOccurred())
		Expect(IsNotFound(err)).To(BeTrue())
	})

	It("treats deleting an absent key as success", func() {
		Expect(backend.Delete(ctx, "never-stored")).To(Succeed())
	})

	It("uploads a file atomically via fset", func() {
		src := filepath.Join(GinkgoT().TempDir(), "archive.tar.gz")
		Expect(os.WriteFile(src, []byte("archive-bytes"), 0o644)).To(Succeed())

		Expect(backend.FSet(ctx, "build-1/environment.tar.gz", src, "application/gzip")).To(Succeed())
		data, err := backend.Get(ctx, "build-1/environment.tar.gz")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("archive-bytes")))

		// No temp files linger next to the destination.
		entries, err := os.ReadDir(filepath.Join(dir, "build-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
	})

	It("overwrites an existing key completely", func() {
		Expect(backend.Set(ctx, "k", []byte("first version, long"), "text/plain")).To(Succeed())
		Expect(backend.Set(ctx, "k", []byte("second"), "text/plain")).To(Succeed())
		data, err := backend.Get(ctx, "k")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).To(Equal([]byte("second")))
	})

	It("serves URLs under the configured prefix", func() {
		url, err := backend.GetURL(ctx, "build-1/logs")
		Expect(err).NotTo(HaveOccurred())
		Expect(url).To(Equal("/storage/build-1/logs"))
	})
})
