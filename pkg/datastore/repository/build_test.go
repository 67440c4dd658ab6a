package repository

import (
	"context"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

var _ = Describe("BuildRepository", func() {
	var (
		mockDB sqlmockDB
		repo   *BuildRepository
		ctx    context.Context
	)

	BeforeEach(func() {
		mockDB = newSqlmockDB()
		repo = NewBuildRepository(mockDB.db, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mockDB.mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("Create", func() {
		It("inserts a build in QUEUED status", func() {
			rows := sqlmock.NewRows([]string{"id", "environment_id", "specification_id", "status", "status_info", "started_on", "ended_on", "size", "deleted_on"}).
				AddRow(int64(1), int64(1), int64(1), models.BuildStatusQueued, "", nil, nil, int64(0), nil)
			mockDB.mock.ExpectQuery(`INSERT INTO build`).
				WithArgs(int64(1), int64(1), models.BuildStatusQueued).
				WillReturnRows(rows)

			out, err := repo.Create(ctx, 1, 1)
			Expect(err).NotTo(HaveOccurred())
			Expect(out.Status).To(Equal(models.BuildStatusQueued))
		})
	})

	Describe("state transitions", func() {
		It("moves QUEUED to BUILDING", func() {
			mockDB.mock.ExpectExec(`UPDATE build SET status = \$1, started_on = now\(\) WHERE id = \$2 AND status = \$3`).
				WithArgs(models.BuildStatusBuilding, int64(1), models.BuildStatusQueued).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.TransitionToBuilding(ctx, 1)).To(Succeed())
		})

		It("rejects a transition when the build is not in the expected prior state", func() {
			mockDB.mock.ExpectExec(`UPDATE build SET status = \$1, started_on = now\(\) WHERE id = \$2 AND status = \$3`).
				WithArgs(models.BuildStatusBuilding, int64(1), models.BuildStatusQueued).
				WillReturnResult(sqlmock.NewResult(0, 0))

			err := repo.TransitionToBuilding(ctx, 1)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("not in the expected prior state"))
		})

		It("moves BUILDING to COMPLETED with a recorded size", func() {
			mockDB.mock.ExpectExec(`UPDATE build SET status = \$1, ended_on = now\(\), size = \$4 WHERE id = \$2 AND status = \$3`).
				WithArgs(models.BuildStatusCompleted, int64(1), models.BuildStatusBuilding, int64(2048)).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.TransitionToCompleted(ctx, 1, 2048)).To(Succeed())
		})

		It("moves BUILDING to FAILED carrying a status_info message", func() {
			mockDB.mock.ExpectExec(`UPDATE build SET status = \$1, ended_on = now\(\), status_info = \$4 WHERE id = \$2 AND status = \$3`).
				WithArgs(models.BuildStatusFailed, int64(1), models.BuildStatusBuilding, "install path exceeds filesystem limits").
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.TransitionToFailed(ctx, 1, "install path exceeds filesystem limits")).To(Succeed())
		})

		It("moves QUEUED or BUILDING to CANCELED", func() {
			mockDB.mock.ExpectExec(`UPDATE build SET status = \$1, ended_on = now\(\), status_info = \$4 WHERE id = \$2 AND status IN \(\$3, \$5\)`).
				WithArgs(models.BuildStatusCanceled, int64(1), models.BuildStatusBuilding, "canceled: reaper", models.BuildStatusQueued).
				WillReturnResult(sqlmock.NewResult(0, 1))

			Expect(repo.TransitionToCanceled(ctx, 1, "canceled: reaper")).To(Succeed())
		})
	})

	Describe("ListBuilding", func() {
		It("returns every build currently in BUILDING status", func() {
			rows := sqlmock.NewRows([]string{"id", "environment_id", "specification_id", "status", "status_info", "started_on", "ended_on", "size", "deleted_on"}).
				AddRow(int64(5), int64(1), int64(1), models.BuildStatusBuilding, "", nil, nil, int64(0), nil)
			mockDB.mock.ExpectQuery(`SELECT id, environment_id, specification_id, status, status_info, started_on, ended_on, size, deleted_on FROM build WHERE status = \$1`).
				WithArgs(models.BuildStatusBuilding).
				WillReturnRows(rows)

			out, err := repo.ListBuilding(ctx, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(HaveLen(1))
			Expect(out[0].ID).To(Equal(int64(5)))
		})
	})
})
