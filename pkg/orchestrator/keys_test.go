package orchestrator

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

var _ = Describe("BuildKeys", func() {
	spec := &models.Specification{
		ID:     1,
		SHA256: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Spec:   `{"name":"science"}`,
	}
	build := &models.Build{ID: 42, SpecificationID: 1}

	It("derives every artifact key from the build identity", func() {
		keys := NewBuildKeys(build, spec)
		Expect(keys.Key()).To(Equal("01234567-42-science"))
		Expect(keys.LogKey()).To(Equal("logs/01234567-42-science.log"))
		Expect(keys.CondaLockKey()).To(Equal("lockfile/01234567-42-science.json"))
		Expect(keys.CondaEnvExportKey()).To(Equal("yaml/01234567-42-science.yaml"))
		Expect(keys.CondaPackKey()).To(Equal("archive/01234567-42-science.tar.gz"))
		Expect(keys.ConstructorInstallerKey()).To(Equal("installer/01234567-42-science.sh"))
	})

	It("computes the install prefix under the store root", func() {
		keys := NewBuildKeys(build, spec)
		path, err := keys.BuildPath("/var/lib/condastore", "ns1")
		Expect(err).NotTo(HaveOccurred())
		Expect(path).To(Equal("/var/lib/condastore/ns1/01234567-42-science"))
	})

	It("rejects a path beyond the filesystem limit", func() {
		longSpec := &models.Specification{
			ID:     1,
			SHA256: spec.SHA256,
			Spec:   `{"name":"` + strings.Repeat("n", 240) + `"}`,
		}
		keys := NewBuildKeys(build, longSpec)
		_, err := keys.BuildPath("/var/lib/condastore", "ns1")
		Expect(err).To(HaveOccurred())
		var pathErr *BuildPathError
		Expect(err).To(BeAssignableToTypeOf(pathErr))
	})

	It("falls back to a generic name for an unparseable specification", func() {
		broken := &models.Specification{ID: 1, SHA256: spec.SHA256, Spec: "not-json"}
		Expect(SpecificationName(broken)).To(Equal("environment"))
	})
})

var _ = Describe("EnvironmentPath", func() {
	It("returns empty when no root is configured", func() {
		Expect(EnvironmentPath("", "ns1", "a")).To(BeEmpty())
	})

	It("nests the symlink under namespace and environment", func() {
		Expect(EnvironmentPath("/opt/envs", "ns1", "a")).To(Equal("/opt/envs/ns1/a"))
	})
})
