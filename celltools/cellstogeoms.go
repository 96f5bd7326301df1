package celltools

import (
	"fmt"
	"strings"

	"github.com/golang/geo/s2"
)

// cellToWKT renders the cell boundary as a closed lng/lat polygon.
func cellToWKT(cell s2.Cell) string {
	var sb strings.Builder
	sb.WriteString("POLYGON((")
	for k := 0; k < 4; k++ {
		latlng := s2.LatLngFromPoint(cell.Vertex(k))
		fmt.Fprintf(&sb, "%v %v, ", latlng.Lng.Degrees(), latlng.Lat.Degrees())
	}
	closingPoint := s2.LatLngFromPoint(cell.Vertex(0))
	fmt.Fprintf(&sb, "%v %v))", closingPoint.Lng.Degrees(), closingPoint.Lat.Degrees())
	return sb.String()
}
