package repository

import (
	"context"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

var _ = Describe("SpecificationRepository", func() {
	var (
		mockDB sqlmockDB
		repo   *SpecificationRepository
		ctx    context.Context
	)

	BeforeEach(func() {
		mockDB = newSqlmockDB()
		repo = NewSpecificationRepository(mockDB.db, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mockDB.mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("EnsureExists", func() {
		It("returns the existing row without inserting when sha256 already exists", func() {
			mockDB.mock.ExpectQuery(`SELECT id, sha256, spec, is_lockfile FROM specification WHERE sha256 = \$1`).
				WithArgs("H1").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sha256", "spec", "is_lockfile"}).
					AddRow(int64(1), "H1", `{"name":"a"}`, false))

			out, err := repo.EnsureExists(ctx, &models.Specification{SHA256: "H1", Spec: `{"name":"a"}`})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ID).To(Equal(int64(1)))
		})

		It("inserts when no row matches the hash", func() {
			mockDB.mock.ExpectQuery(`SELECT id, sha256, spec, is_lockfile FROM specification WHERE sha256 = \$1`).
				WithArgs("H2").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sha256", "spec", "is_lockfile"}))

			mockDB.mock.ExpectQuery(`INSERT INTO specification`).
				WithArgs("H2", `{"name":"b"}`, false).
				WillReturnRows(sqlmock.NewRows([]string{"id", "sha256", "spec", "is_lockfile"}).
					AddRow(int64(2), "H2", `{"name":"b"}`, false))

			out, err := repo.EnsureExists(ctx, &models.Specification{SHA256: "H2", Spec: `{"name":"b"}`})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ID).To(Equal(int64(2)))
		})

		It("re-reads the winning row when a concurrent insert races ahead", func() {
			mockDB.mock.ExpectQuery(`SELECT id, sha256, spec, is_lockfile FROM specification WHERE sha256 = \$1`).
				WithArgs("H3").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sha256", "spec", "is_lockfile"}))

			mockDB.mock.ExpectQuery(`INSERT INTO specification`).
				WithArgs("H3", `{"name":"c"}`, false).
				WillReturnError(pgUniqueViolation())

			mockDB.mock.ExpectQuery(`SELECT id, sha256, spec, is_lockfile FROM specification WHERE sha256 = \$1`).
				WithArgs("H3").
				WillReturnRows(sqlmock.NewRows([]string{"id", "sha256", "spec", "is_lockfile"}).
					AddRow(int64(3), "H3", `{"name":"c"}`, false))

			out, err := repo.EnsureExists(ctx, &models.Specification{SHA256: "H3", Spec: `{"name":"c"}`})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ID).To(Equal(int64(3)))
		})
	})
})
