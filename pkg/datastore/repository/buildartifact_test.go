package repository

import (
	"context"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/conda-store/condastore/pkg/datastore/models"
)

var _ = Describe("BuildArtifactRepository", func() {
	var (
		mockDB sqlmockDB
		repo   *BuildArtifactRepository
		ctx    context.Context
	)

	BeforeEach(func() {
		mockDB = newSqlmockDB()
		repo = NewBuildArtifactRepository(mockDB.db, zap.NewNop())
		ctx = context.Background()
	})

	AfterEach(func() {
		Expect(mockDB.mock.ExpectationsWereMet()).To(Succeed())
	})

	Describe("InsertOrSkip", func() {
		It("inserts a new artifact row", func() {
			rows := sqlmock.NewRows([]string{"id", "build_id", "key", "artifact_type"}).
				AddRow(int64(1), int64(1), "build-1/lockfile.json", models.ArtifactLockfile)
			mockDB.mock.ExpectQuery(`INSERT INTO build_artifact`).
				WithArgs(int64(1), "build-1/lockfile.json", models.ArtifactLockfile).
				WillReturnRows(rows)

			out, err := repo.InsertOrSkip(ctx, &models.BuildArtifact{
				BuildID: 1, Key: "build-1/lockfile.json", ArtifactType: models.ArtifactLockfile,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ID).To(Equal(int64(1)))
		})

		It("silently returns the existing row on a duplicate (build_id, key, artifact_type)", func() {
			mockDB.mock.ExpectQuery(`INSERT INTO build_artifact`).
				WithArgs(int64(1), "build-1/lockfile.json", models.ArtifactLockfile).
				WillReturnError(pgUniqueViolation())

			mockDB.mock.ExpectQuery(`SELECT id, build_id, key, artifact_type FROM build_artifact WHERE build_id = \$1 AND key = \$2 AND artifact_type = \$3`).
				WithArgs(int64(1), "build-1/lockfile.json", models.ArtifactLockfile).
				WillReturnRows(sqlmock.NewRows([]string{"id", "build_id", "key", "artifact_type"}).
					AddRow(int64(1), int64(1), "build-1/lockfile.json", models.ArtifactLockfile))

			out, err := repo.InsertOrSkip(ctx, &models.BuildArtifact{
				BuildID: 1, Key: "build-1/lockfile.json", ArtifactType: models.ArtifactLockfile,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(out.ID).To(Equal(int64(1)))
		})
	})
})
