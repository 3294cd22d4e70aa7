package handlers

import (
	"time"

	"gallery/internal/domain"
	"gallery/internal/images"
)

type imageResponse struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	FileSize         int64     `json:"file_size"`
	MIMEType         string    `json:"mime_type"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	UploadedAt       time.Time `json:"uploaded_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	ProcessingStatus string    `json:"processing_status"`
	Progress         int       `json:"progress"`
	Attempts         int       `json:"attempts"`
	AITags           []string  `json:"ai_tags"`
	AIDescription    *string   `json:"ai_description"`
	DominantColors   []string  `json:"dominant_colors"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	ThumbnailURL     *string   `json:"thumbnail_url"`
	OriginalURL      string    `json:"original_url"`
}

func newImageResponse(img domain.Image) imageResponse {
	out := imageResponse{
		ID:               img.ID,
		UserID:           img.OwnerID,
		Filename:         img.Filename,
		OriginalFilename: img.OriginalFilename,
		FileSize:         img.FileSize,
		MIMEType:         img.MIMEType,
		Width:            img.Width,
		Height:           img.Height,
		UploadedAt:       img.UploadedAt,
		UpdatedAt:        img.UpdatedAt,
		ProcessingStatus: string(img.Status),
		Progress:         img.Progress(),
		Attempts:         img.Attempts,
		ErrorMessage:     img.ErrorMessage,
		OriginalURL:      img.OriginalURL,
	}
	if a, ok := img.Analysis(); ok {
		out.AITags = a.Tags
		out.DominantColors = a.DominantColors
		if a.Description != "" {
			out.AIDescription = &a.Description
		}
	}
	if img.ThumbnailURL != "" {
		out.ThumbnailURL = &img.ThumbnailURL
	}
	return out
}

type pageResponse struct {
	Images  []imageResponse `json:"images"`
	Total   int             `json:"total"`
	Page    int             `json:"page"`
	Limit   int             `json:"limit"`
	HasNext bool            `json:"has_next"`
	HasPrev bool            `json:"has_prev"`
}

func newPageResponse(p domain.ImagePage) pageResponse {
	out := pageResponse{
		Images:  make([]imageResponse, 0, len(p.Images)),
		Total:   p.Total,
		Page:    p.Page,
		Limit:   p.Limit,
		HasNext: p.HasNext,
		HasPrev: p.HasPrev,
	}
	for _, img := range p.Images {
		out.Images = append(out.Images, newImageResponse(img))
	}
	return out
}

type similarResponse struct {
	imageResponse
	SimilarityScore       float64 `json:"similarity_score"`
	TagSimilarity         float64 `json:"tag_similarity"`
	DescriptionSimilarity float64 `json:"description_similarity"`
}

func newSimilarResponse(s images.SimilarImage) similarResponse {
	return similarResponse{
		imageResponse:         newImageResponse(s.Image),
		SimilarityScore:       s.SimilarityScore,
		TagSimilarity:         s.TagSimilarity,
		DescriptionSimilarity: s.DescriptionSimilarity,
	}
}

// updateResponse is the payload of one event on a processing stream.
type updateResponse struct {
	ImageID        string    `json:"image_id"`
	Status         string    `json:"status"`
	Progress       int       `json:"progress"`
	Tags           []string  `json:"tags,omitempty"`
	Description    string    `json:"description,omitempty"`
	DominantColors []string  `json:"dominant_colors,omitempty"`
	Error          string    `json:"error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newUpdateResponse(u domain.ProcessingUpdate) updateResponse {
	return updateResponse{
		ImageID:        u.ImageID,
		Status:         string(u.Status),
		Progress:       u.Progress,
		Tags:           u.Tags,
		Description:    u.Description,
		DominantColors: u.DominantColors,
		Error:          u.Error,
		UpdatedAt:      u.UpdatedAt,
	}
}
