package testutil

import (
	"context"
	"database/sql"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TestSuiteBuilder provides a fluent interface for setting up unit
// test suites: a logger always, a mocked database and an in-process
// Redis only when a suite opts in.
type TestSuiteBuilder struct {
	suiteName     string
	withDatabase  bool
	withRedis     bool
	customSetup   []func() error
	customCleanup []func() error
}

// TestSuiteComponents contains the common test components a suite
// receives from the builder.
type TestSuiteComponents struct {
	Context     context.Context
	Logger      *zap.Logger
	DB          *sql.DB
	DBMock      sqlmock.Sqlmock
	Redis       *miniredis.Miniredis
	RedisClient *redis.Client
}

// NewTestSuiteBuilder creates a new test suite builder.
func NewTestSuiteBuilder(suiteName string) *TestSuiteBuilder {
	return &TestSuiteBuilder{
		suiteName:     suiteName,
		customSetup:   make([]func() error, 0),
		customCleanup: make([]func() error, 0),
	}
}

// WithDatabase enables a go-sqlmock-backed database handle.
func (b *TestSuiteBuilder) WithDatabase() *TestSuiteBuilder {
	b.withDatabase = true
	return b
}

// WithRedis enables an in-process Redis server plus a connected
// client.
func (b *TestSuiteBuilder) WithRedis() *TestSuiteBuilder {
	b.withRedis = true
	return b
}

// WithCustomSetup adds a custom setup function.
func (b *TestSuiteBuilder) WithCustomSetup(setupFunc func() error) *TestSuiteBuilder {
	b.customSetup = append(b.customSetup, setupFunc)
	return b
}

// WithCustomCleanup adds a custom cleanup function.
func (b *TestSuiteBuilder) WithCustomCleanup(cleanupFunc func() error) *TestSuiteBuilder {
	b.customCleanup = append(b.customCleanup, cleanupFunc)
	return b
}

// Build registers the BeforeEach/AfterEach hooks and returns the
// component holder they populate.
func (b *TestSuiteBuilder) Build() *TestSuiteComponents {
	components := &TestSuiteComponents{}

	BeforeEach(func() {
		var err error

		components.Context = context.Background()
		components.Logger = zap.NewNop()

		if b.withDatabase {
			components.DB, components.DBMock, err = sqlmock.New()
			gomega.Expect(err).NotTo(gomega.HaveOccurred(), "Failed to create mock database")
		}

		if b.withRedis {
			components.Redis, err = miniredis.Run()
			gomega.Expect(err).NotTo(gomega.HaveOccurred(), "Failed to start in-process redis")
			components.RedisClient = redis.NewClient(&redis.Options{Addr: components.Redis.Addr()})
		}

		for _, setupFunc := range b.customSetup {
			gomega.Expect(setupFunc()).To(gomega.Succeed(), "Custom setup function failed")
		}
	})

	AfterEach(func() {
		for _, cleanupFunc := range b.customCleanup {
			gomega.Expect(cleanupFunc()).To(gomega.Succeed(), "Custom cleanup function failed")
		}

		if components.DBMock != nil {
			gomega.Expect(components.DBMock.ExpectationsWereMet()).To(gomega.Succeed(),
				"Unmet database expectations")
		}
		if components.DB != nil {
			components.DB.Close()
		}
		if components.RedisClient != nil {
			components.RedisClient.Close()
		}
		if components.Redis != nil {
			components.Redis.Close()
		}
	})

	return components
}

// StandardUnitTestSuite creates a standard unit test setup (logger
// only).
func StandardUnitTestSuite(suiteName string) *TestSuiteComponents {
	return NewTestSuiteBuilder(suiteName).Build()
}

// RepositoryTestSuite creates a unit test setup with a mocked
// database.
func RepositoryTestSuite(suiteName string) *TestSuiteComponents {
	return NewTestSuiteBuilder(suiteName).
		WithDatabase().
		Build()
}

// BrokerTestSuite creates a unit test setup with an in-process Redis.
func BrokerTestSuite(suiteName string) *TestSuiteComponents {
	return NewTestSuiteBuilder(suiteName).
		WithRedis().
		Build()
}
