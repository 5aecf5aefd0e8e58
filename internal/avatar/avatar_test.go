package avatar

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPresets(t *testing.T) {
	presetList := Presets()
	assert.Equal(t, []string{"G1.jpg", "G2.jpg", "B1.jpg", "B2.jpg", "B3.jpg"}, presetList)
	assert.Equal(t, Default, presetList[0])

	presetList[0] = "changed"
	assert.Equal(t, "G1.jpg", Presets()[0], "Presets must return a copy")

	assert.True(t, IsPreset("B3.jpg"))
	assert.False(t, IsPreset("b3.jpg"))
	assert.False(t, IsPreset("https://evil.example/x.png"))
}

func TestExtension(t *testing.T) {
	tests := []struct {
		contentType string
		ext         string
		ok          bool
	}{
		{"image/png", "png", true},
		{"image/jpeg; charset=binary", "jpg", true},
		{" IMAGE/WEBP ", "webp", true},
		{"image/gif", "gif", true},
		{"image/svg+xml", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		ext, ok := Extension(tt.contentType)
		assert.Equal(t, tt.ok, ok, tt.contentType)
		assert.Equal(t, tt.ext, ext, tt.contentType)
	}
}

func TestContentTypeForFile(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeForFile("abc.jpg"))
	assert.Equal(t, "image/png", ContentTypeForFile("abc.PNG"))
	assert.Equal(t, "application/octet-stream", ContentTypeForFile("abc.exe"))
}

func TestUploadPaths(t *testing.T) {
	file := FileName("avt_123", "png")
	assert.Equal(t, "avt_123.png", file)
	assert.Equal(t, "avatars/usr_1/avt_123.png", ObjectKey("usr_1", file))
	assert.Equal(t, "/api/avatars/usr_1/avt_123.png", URL("usr_1", file))

	assert.True(t, OwnsUpload("usr_1", "/api/avatars/usr_1/avt_123.png"))
	assert.False(t, OwnsUpload("usr_2", "/api/avatars/usr_1/avt_123.png"))
	assert.False(t, OwnsUpload("usr_1", "/api/avatars/usr_1/../usr_2/avt.png"))
	assert.False(t, OwnsUpload("", "/api/avatars//avt_123.png"))
}

func TestValidFileName(t *testing.T) {
	assert.True(t, ValidFileName("avt_1.webp"))
	assert.False(t, ValidFileName(".png"))
	assert.False(t, ValidFileName("a/b.png"))
	assert.False(t, ValidFileName("..png"))
	assert.False(t, ValidFileName("avt_1.txt"))
}
