package transcode

import (
	"strconv"

	id3v2 "github.com/bogem/id3v2/v2"
)

// Tags are the ID3 fields written to downloaded MP3s.
type Tags struct {
	Title  string
	Artist string
	Year   int
}

// TagMP3 writes non-empty fields of tags into the ID3v2 tag of path.
func TagMP3(path string, tags Tags) error {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return err
	}
	defer tag.Close()

	if tags.Title != "" {
		tag.SetTitle(tags.Title)
	}
	if tags.Artist != "" {
		tag.SetArtist(tags.Artist)
	}
	if tags.Year != 0 {
		tag.AddTextFrame(tag.CommonID("Year"), tag.DefaultEncoding(), strconv.Itoa(tags.Year))
	}
	return tag.Save()
}
