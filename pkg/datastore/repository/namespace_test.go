package repository

import (
	"context"
	"database/sql/driver"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

var _ = Describe("NamespaceRepository", func() {
	var (
		mockDB sqlmockDB
		repo   *NamespaceRepository
		ctx    context.Context
	)

	BeforeEach(func() {
		mockDB = newSqlmockDB()
		repo = NewNamespaceRepository(mockDB.db, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mockDB.mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("Create", func() {
		It("inserts a namespace and returns the stored row", func() {
			rows := sqlmock.NewRows([]string{"id", "name", "metadata", "deleted_on"}).
				AddRow(int64(1), "team-a", []byte("{}"), nil)
			mockDB.mock.ExpectQuery(`INSERT INTO namespace`).
				WithArgs("team-a", driver.Value(nil)).
				WillReturnRows(rows)

			out, err := repo.Create(ctx, &models.Namespace{Name: "team-a"})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ID).To(Equal(int64(1)))
			Expect(out.Name).To(Equal("team-a"))
		})

		It("maps a unique-name violation to a conflict problem", func() {
			mockDB.mock.ExpectQuery(`INSERT INTO namespace`).
				WithArgs("team-a", driver.Value(nil)).
				WillReturnError(pgUniqueViolation())

			_, err := repo.Create(ctx, &models.Namespace{Name: "team-a"})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("already exists"))
		})
	})

	Describe("Get", func() {
		It("returns a not-found problem when no row matches", func() {
			mockDB.mock.ExpectQuery(`SELECT id, name, metadata, deleted_on FROM namespace WHERE id = \$1`).
				WithArgs(int64(99)).
				WillReturnRows(sqlmock.NewRows([]string{"id", "name", "metadata", "deleted_on"}))

			_, err := repo.Get(ctx, 99)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("Not Found"))
		})
	})

	Describe("List", func() {
		It("hides soft-deleted rows by default", func() {
			mockDB.mock.ExpectQuery(`SELECT id, name, metadata, deleted_on FROM namespace WHERE deleted_on IS NULL ORDER BY id ASC`).
				WillReturnRows(sqlmock.NewRows([]string{"id", "name", "metadata", "deleted_on"}).
					AddRow(int64(1), "team-a", []byte("{}"), nil))

			out, err := repo.List(ctx, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(1))
		})
	})

	Describe("HealthCheck", func() {
		It("succeeds when the connection pool responds to ping", func() {
			mockDB.mock.ExpectPing()
			Expect(repo.HealthCheck(ctx)).To(Succeed())
		})
	})
})
