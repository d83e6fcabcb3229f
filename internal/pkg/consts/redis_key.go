package consts

const (
	IMUserKey         = "im:user:"         // 用户收件箱频道
	IMConversationKey = "im:conversation:" // 会话频道
	PresenceSetKey    = "presence:active"  // zset: userID -> 最近活跃 unix 秒
	LinkPreviewKey    = "im:link:preview:" // 链接解析缓存
)

const (
	MessageSaveLock = "im:message:save:lock:"
)
