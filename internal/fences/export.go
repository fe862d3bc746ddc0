package fences

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"github.com/EmpoweredVote/EV-Geofence/internal/geometry"
)

const exportBase = "fences"

const wgs84PRJ = `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`

// DBF text is written as Latin-1; the .cpg sidecar tells readers so.
var dbfEncoder = encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())

var exportFields = []shp.Field{
	shp.NumberField("ID", 18),
	shp.StringField("NAME", 254),
	shp.StringField("STATUS", 16),
	shp.StringField("CITY", 100),
	shp.StringField("ADDRESS", 254),
}

// WriteExport writes a zip holding the features as GeoJSON and as a polygon shapefile
// (.shp, .shx, .dbf, .prj, .cpg).
func WriteExport(w io.Writer, features []*geojson.Feature) error {
	zw := zip.NewWriter(w)

	fc := geojson.NewFeatureCollection()
	for _, f := range features {
		fc.Append(f)
	}
	doc, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("encode feature collection: %w", err)
	}
	if err := addZipFile(zw, exportBase+".geojson", doc); err != nil {
		return err
	}

	if err := addShapefile(zw, features); err != nil {
		return fmt.Errorf("failed to add shapefile to zip: %w", err)
	}
	if err := addZipFile(zw, exportBase+".prj", []byte(wgs84PRJ)); err != nil {
		return err
	}
	if err := addZipFile(zw, exportBase+".cpg", []byte("ISO-8859-1")); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to close zip writer: %w", err)
	}
	return nil
}

func addZipFile(zw *zip.Writer, name string, data []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("failed to create %s in zip: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s to zip: %w", name, err)
	}
	return nil
}

// addShapefile renders the shapefile in a temp dir, since go-shp writes to disk, then
// copies its components into the zip.
func addShapefile(zw *zip.Writer, features []*geojson.Feature) error {
	dir, err := os.MkdirTemp("", "fence_export_")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, exportBase+".shp")
	if err := writeShapefile(path, features); err != nil {
		return err
	}

	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		data, err := os.ReadFile(filepath.Join(dir, exportBase+ext))
		if err != nil {
			return fmt.Errorf("failed to read shapefile component %s: %w", ext, err)
		}
		if err := addZipFile(zw, exportBase+ext, data); err != nil {
			return err
		}
	}
	return nil
}

func writeShapefile(path string, features []*geojson.Feature) error {
	writer, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return fmt.Errorf("failed to create shapefile: %w", err)
	}
	defer writer.Close()

	if err := writer.SetFields(exportFields); err != nil {
		return fmt.Errorf("failed to set dbf fields: %w", err)
	}

	for _, f := range features {
		polys, err := geometry.Polygons(f.Geometry)
		if err != nil || len(polys) == 0 {
			continue
		}

		var parts [][]shp.Point
		for _, p := range polys {
			for i, ring := range p {
				want := orb.CW
				if i > 0 {
					want = orb.CCW
				}
				parts = append(parts, shapeRing(ring, want))
			}
		}
		polygon := shp.Polygon(*shp.NewPolyLine(parts))
		row := int(writer.Write(&polygon))

		values := []any{
			idValue(f),
			dbfText(f.Properties.MustString("name", "")),
			dbfText(f.Properties.MustString("status", "")),
			dbfText(f.Properties.MustString("city", "")),
			dbfText(f.Properties.MustString("address", "")),
		}
		for i, v := range values {
			if err := writer.WriteAttribute(row, i, v); err != nil {
				return fmt.Errorf("write attribute %d of fence %v: %w", i, f.ID, err)
			}
		}
	}
	return nil
}

// shapeRing closes r and orients it; shapefiles want clockwise shells and
// counter-clockwise holes.
func shapeRing(r orb.Ring, want orb.Orientation) []shp.Point {
	r = append(orb.Ring(nil), r...)
	if len(r) > 0 && r[0] != r[len(r)-1] {
		r = append(r, r[0])
	}
	if r.Orientation() != want {
		r.Reverse()
	}
	pts := make([]shp.Point, len(r))
	for i, p := range r {
		pts[i] = shp.Point{X: p[0], Y: p[1]}
	}
	return pts
}

func idValue(f *geojson.Feature) int {
	switch v := f.ID.(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func dbfText(s string) string {
	out, err := dbfEncoder.String(s)
	if err != nil {
		return ""
	}
	return out
}
