package handlers

import (
	"io"
	"net/http"

	"vidforge/internal/httpkit"
	"vidforge/internal/intake"
)

// maxUploadBytes bounds how much of the multipart body is buffered in
// memory; larger parts spill to disk.
const maxUploadBytes = 512 << 20

// Upload accepts a render submission:
//
//	video    - the source video file (required)
//	overlays - JSON array of overlay descriptors (optional, defaults to none)
//	any other file part is an overlay image asset, referenced from image
//	overlays by its filename
//
// Responds with the id of the queued job.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpkit.WriteErr(w, 400, "INVALID_INPUT", "invalid multipart form", nil)
		return
	}

	video, header, err := r.FormFile("video")
	if err != nil {
		httpkit.WriteErr(w, 400, "INVALID_INPUT", "video file is required", map[string]any{"field": "video"})
		return
	}
	defer video.Close()

	overlaysJSON := r.FormValue("overlays")
	if overlaysJSON == "" {
		overlaysJSON = "[]"
	}

	images, closeImages, err := openImageParts(r)
	if err != nil {
		httpkit.WriteErr(w, 400, "INVALID_INPUT", "unreadable image part", nil)
		return
	}
	defer closeImages()

	jobID, err := h.intake.Submit(ctx, intake.Upload{
		Video:        video,
		VideoName:    header.Filename,
		OverlaysJSON: []byte(overlaysJSON),
		Images:       images,
	})
	if err != nil {
		log.Warn("upload rejected", "error", err.Error())
		writeError(w, err)
		return
	}

	httpkit.WriteJSON(w, 202, map[string]any{"job_id": jobID})
}

// openImageParts opens every file part except the video, keyed by the
// uploaded filename.
func openImageParts(r *http.Request) (map[string]io.Reader, func(), error) {
	images := make(map[string]io.Reader)
	var opened []io.Closer
	closeAll := func() {
		for _, c := range opened {
			c.Close()
		}
	}

	if r.MultipartForm == nil {
		return images, closeAll, nil
	}

	for field, headers := range r.MultipartForm.File {
		if field == "video" {
			continue
		}
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				closeAll()
				return nil, func() {}, err
			}
			opened = append(opened, f)
			images[fh.Filename] = f
		}
	}
	return images, closeAll, nil
}
