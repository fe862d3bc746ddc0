package testhelpers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/EmpoweredVote/EV-Geofence/internal/config"
	"github.com/EmpoweredVote/EV-Geofence/internal/db"
)

// PostGISImage is the database image used by integration tests.
const PostGISImage = "postgis/postgis:16-3.4"

// TestDB holds the shared PostGIS container and a gorm connection to it.
type TestDB struct {
	Container testcontainers.Container
	DB        *gorm.DB
	URL       string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a PostGIS container shared by every test in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Skipf("PostGIS container unavailable: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostGISImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "fences_test",
			"POSTGRES_USER":     "fences",
			"POSTGRES_PASSWORD": "test_password",
		},
		// the entrypoint restarts postgres once after running init scripts
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(90 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	url := fmt.Sprintf("postgres://fences:test_password@%s:%s/fences_test?sslmode=disable",
		host, port.Port())

	var gdb *gorm.DB
	for i := 0; i < 10; i++ {
		gdb, err = db.Connect(config.DatabaseConfig{
			URL:                url,
			MaxOpenConns:       5,
			MaxIdleConns:       5,
			ConnMaxLifetime:    time.Minute,
			SlowQueryThreshold: time.Second,
			FenceTable:         "fences",
		}, zap.NewNop())
		if err == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return nil, err
	}

	if err := gdb.Exec(`CREATE EXTENSION IF NOT EXISTS postgis`).Error; err != nil {
		return nil, fmt.Errorf("failed to enable postgis: %w", err)
	}

	return &TestDB{Container: container, DB: gdb, URL: url}, nil
}

// FenceTable creates a fresh fence table and drops it when the test ends. Without
// withStatus the table has no status column.
func (tdb *TestDB) FenceTable(t *testing.T, withStatus bool) string {
	t.Helper()
	return tdb.createFenceTable(t, withStatus, "Geometry")
}

// TypedFenceTable is FenceTable with a status column and a geometry column constrained
// to geomType, e.g. "MultiPolygon".
func (tdb *TestDB) TypedFenceTable(t *testing.T, geomType string) string {
	t.Helper()
	return tdb.createFenceTable(t, true, geomType)
}

func (tdb *TestDB) createFenceTable(t *testing.T, withStatus bool, geomType string) string {
	t.Helper()

	name := "fences_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	cols := []string{
		"id BIGSERIAL PRIMARY KEY",
		"name TEXT",
		"city TEXT",
		fmt.Sprintf("geometry geometry(%s, 4326)", geomType),
	}
	if withStatus {
		cols = append(cols, "status TEXT DEFAULT 'active'")
	}

	if err := tdb.DB.Exec(fmt.Sprintf("CREATE TABLE %s (%s)", name, strings.Join(cols, ", "))).Error; err != nil {
		t.Fatalf("create fence table: %v", err)
	}
	t.Cleanup(func() {
		tdb.DB.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s", name))
	})
	return name
}

// InsertFence inserts a fence with the given GeoJSON geometry (empty for NULL) and
// returns its id.
func (tdb *TestDB) InsertFence(t *testing.T, table, name, geojson string) int64 {
	t.Helper()

	var id int64
	var err error
	if geojson == "" {
		err = tdb.DB.Raw(fmt.Sprintf("INSERT INTO %s (name) VALUES (?) RETURNING id", table), name).Scan(&id).Error
	} else {
		err = tdb.DB.Raw(fmt.Sprintf(
			"INSERT INTO %s (name, geometry) VALUES (?, ST_SetSRID(ST_GeomFromGeoJSON(?), 4326)) RETURNING id", table),
			name, geojson).Scan(&id).Error
	}
	if err != nil {
		t.Fatalf("insert fence: %v", err)
	}
	return id
}
