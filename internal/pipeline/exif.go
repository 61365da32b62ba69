package pipeline

import (
	"bytes"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"

	"github.com/Aman-CERP/imgsift/internal/media"
)

// maxTagValue drops binary blobs such as maker notes and thumbnails.
const maxTagValue = 256

// tagCollector implements exif.Walker.
type tagCollector struct {
	tags map[string]string
	gps  map[string]string
}

func (c *tagCollector) Walk(name exif.FieldName, tag *tiff.Tag) error {
	value := tagString(tag)
	if value == "" || len(value) > maxTagValue {
		return nil
	}
	key := string(name)
	if strings.HasPrefix(key, "GPS") {
		c.gps[key] = value
		return nil
	}
	c.tags[key] = value
	return nil
}

func tagString(tag *tiff.Tag) string {
	if tag.Format() == tiff.StringVal {
		s, err := tag.StringVal()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(strings.TrimRight(s, "\x00"))
	}
	return tag.String()
}

// ExtractEXIF reads camera metadata from data. It never fails: images
// without EXIF, or with broken EXIF, yield an empty bag and the error for
// logging.
func ExtractEXIF(data []byte) (media.EXIF, error) {
	out := media.EXIF{Tags: map[string]string{}}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return out, err
	}

	c := &tagCollector{tags: out.Tags, gps: map[string]string{}}
	if err := x.Walk(c); err != nil {
		return out, err
	}
	if lat, long, err := x.LatLong(); err == nil {
		c.gps["Latitude"] = formatCoord(lat)
		c.gps["Longitude"] = formatCoord(long)
	}
	if len(c.gps) > 0 {
		out.GPS = c.gps
	}
	return out, nil
}
