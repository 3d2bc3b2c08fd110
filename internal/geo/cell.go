package geo

import (
	"fmt"
	"math"
)

// Resolution selects the cell edge size for tile aggregation. Higher
// resolutions mean smaller cells. Cell edges are fixed fractions of a
// degree so that ids are deterministic and stable across processes.
type Resolution int

const (
	ResolutionCity     Resolution = 7 // ~1.1 km cells
	ResolutionDistrict Resolution = 8 // ~340 m cells
	ResolutionBlock    Resolution = 9 // ~110 m cells
)

// cellSizeDeg returns the cell edge length in degrees for a resolution.
func cellSizeDeg(res Resolution) float64 {
	switch res {
	case ResolutionCity:
		return 0.01
	case ResolutionDistrict:
		return 0.003
	case ResolutionBlock:
		return 0.001
	default:
		return 0.003
	}
}

// ValidResolution reports whether res is one of the supported levels.
func ValidResolution(res Resolution) bool {
	return res == ResolutionCity || res == ResolutionDistrict || res == ResolutionBlock
}

// CellID assigns p to its cell at the given resolution. The id encodes the
// resolution and the quantized row/column, so ids from different
// resolutions never collide.
func CellID(p Point, res Resolution) string {
	size := cellSizeDeg(res)
	row := int(math.Floor((p.Lat + 90) / size))
	col := int(math.Floor((p.Lng + 180) / size))
	return fmt.Sprintf("r%d:%d:%d", res, row, col)
}

// CellCenter returns the center point of the cell containing p.
func CellCenter(p Point, res Resolution) Point {
	size := cellSizeDeg(res)
	row := math.Floor((p.Lat + 90) / size)
	col := math.Floor((p.Lng + 180) / size)
	return Point{
		Lat: row*size + size/2 - 90,
		Lng: col*size + size/2 - 180,
	}
}
