package dto

// MediaUploadResp 图片上传响应，回传给客户端后作为消息附件携带
type MediaUploadResp struct {
	Kind     string `json:"kind"` // image / gif
	URL      string `json:"url"`
	ThumbURL string `json:"thumb_url,omitempty"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}
