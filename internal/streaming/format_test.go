package streaming

import (
	"bytes"
	"testing"
)

func TestIsPlayable(t *testing.T) {
	tests := []struct {
		name string
		file string
		want bool
	}{
		{"mp4", "movie.mp4", true},
		{"uppercase mkv", "MOVIE.MKV", true},
		{"mixed case webm", "clip.WebM", true},
		{"m2ts", "disc/00001.m2ts", true},
		{"ts", "stream.ts", true},
		{"3gp", "phone.3gp", true},
		{"mpeg", "old.mpeg", true},
		{"subtitle", "movie.srt", false},
		{"nfo", "movie.nfo", false},
		{"no extension", "README", false},
		{"dot only", "movie.", false},
		{"extension in directory", "show.mkv/sample.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPlayable(tt.file); got != tt.want {
				t.Errorf("IsPlayable(%q) = %v, want %v", tt.file, got, tt.want)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"a.mp4", "video/mp4"},
		{"a.M4V", "video/mp4"},
		{"a.mkv", "video/x-matroska"},
		{"a.webm", "video/webm"},
		{"a.avi", "video/x-msvideo"},
		{"a.mov", "video/quicktime"},
		{"a.wmv", "video/x-ms-wmv"},
		{"a.flv", "video/x-flv"},
		{"a.mpg", "video/mpeg"},
		{"a.3gp", "video/3gpp"},
		{"a.ts", "video/mp2t"},
		{"a.m2ts", "video/mp2t"},
		{"a.bin", "application/octet-stream"},
		{"noext", "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			if got := ContentType(tt.file); got != tt.want {
				t.Errorf("ContentType(%q) = %q, want %q", tt.file, got, tt.want)
			}
		})
	}
}

// Every playable extension must map to a video MIME type.
func TestPlayableHaveVideoContentType(t *testing.T) {
	for ext := range contentTypes {
		name := "file" + ext
		if !IsPlayable(name) {
			t.Errorf("IsPlayable(%q) = false", name)
		}
		if ct := ContentType(name); ct == fallbackContentType {
			t.Errorf("ContentType(%q) fell back to %q", name, ct)
		}
	}
}

func TestSniffMismatch(t *testing.T) {
	var mp4 bytes.Buffer
	mp4.Write(makeAtomWithData("ftyp", make([]byte, 12)))
	mp4.Write(makeAtomWithData("moov", make([]byte, 92)))
	mp4.Write(makeAtomWithData("mdat", make([]byte, 100)))

	mkv := append([]byte{0x1A, 0x45, 0xDF, 0xA3}, make([]byte, 60)...)
	garbage := bytes.Repeat([]byte{0x42}, 256)

	tests := []struct {
		name string
		data []byte
		file string
		want bool
	}{
		{"real mp4", mp4.Bytes(), "movie.mp4", false},
		{"real mkv", mkv, "movie.mkv", false},
		{"mkv bytes named mp4", mkv, "movie.mp4", true},
		{"garbage named mkv", garbage, "movie.mkv", true},
		{"garbage named avi", garbage, "movie.avi", false},
		{"mp4 bytes named webm", mp4.Bytes(), "clip.webm", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &bytesReaderAt{data: tt.data}
			if got := SniffMismatch(r, int64(len(tt.data)), tt.file); got != tt.want {
				t.Errorf("SniffMismatch(%q) = %v, want %v", tt.file, got, tt.want)
			}
		})
	}
}
