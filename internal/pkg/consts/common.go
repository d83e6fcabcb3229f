package consts

const (
	MimePrefixImage = "image"
	MimeGif         = "image/gif"
)

// 消息预览类型
const (
	PreviewKindText    = 1
	PreviewKindImage   = 2
	PreviewKindGif     = 3
	PreviewKindMindMap = 4
	PreviewKindDeleted = 5
)

const (
	DefaultAvatarURL = "default_avatar.png"
)
