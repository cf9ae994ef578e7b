package transport

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/zj1123581321/youtube-download-api/internal/cache"
)

// contentTypes maps stored artifact formats onto response media types.
var contentTypes = map[string]string{
	"m4a":   "audio/mp4",
	"mp3":   "audio/mpeg",
	"opus":  "audio/opus",
	"webm":  "audio/webm",
	"json3": "application/json",
	"srt":   "text/plain; charset=utf-8",
	"vtt":   "text/vtt",
}

type FileHandler struct {
	cache *cache.Manager
}

func NewFileHandler(cm *cache.Manager) *FileHandler {
	return &FileHandler{cache: cm}
}

// Download serves an artifact by file id. Clients sometimes append the file
// extension to the id, so a trailing ".<format>" is tolerated.
func (h *FileHandler) Download(c *fiber.Ctx) error {
	fileID := c.Params("id")
	if i := strings.LastIndexByte(fileID, '.'); i > 0 {
		fileID = fileID[:i]
	}

	rec, path, err := h.cache.Open(c.Context(), fileID)
	if errors.Is(err, cache.ErrFileNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "file not found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "something went wrong"})
	}

	if ct, ok := contentTypes[rec.Format]; ok {
		c.Set(fiber.HeaderContentType, ct)
	}
	c.Set(fiber.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=%q", rec.Filename))
	return c.SendFile(path)
}
