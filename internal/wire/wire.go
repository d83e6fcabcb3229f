package wire

import (
	"Mindweave/internal/api"
	"Mindweave/internal/api/config"
	"Mindweave/internal/api/handler"
	"Mindweave/internal/job"
	"Mindweave/internal/pkg/cron"
	"Mindweave/internal/pkg/es"
	"Mindweave/internal/pkg/kafka"
	"Mindweave/internal/pkg/linkpreview"
	pkgmongo "Mindweave/internal/pkg/mongo"
	"Mindweave/internal/repository"
	"Mindweave/internal/service"

	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"
	"gorm.io/gorm"
)

// ApplicationContainer 封装了应用运行所需的所有顶级组件
type ApplicationContainer struct {
	Router       *gin.Engine
	DB           *gorm.DB
	KafkaManager *kafka.ConsumerManager
	CronMgr      *cron.Manager
	IMService    service.IMService
}

func BuildApplication(db *gorm.DB, mongoDB *mongo.Database, cfg *config.Config) (*ApplicationContainer, error) {
	userRepo := repository.NewUserRepo(db)
	convRepo := repository.NewConversationRepo(db)
	messageRepo := pkgmongo.NewMessageRepo(mongoDB)
	messageESRepo := es.NewMessageRepo(es.Client)
	linkResolver := linkpreview.NewResolver(cfg.LinkPreview)

	userService := service.NewUserService(userRepo)
	imService := service.NewIMService(convRepo, userRepo, messageRepo, messageESRepo, linkResolver)

	handlers := &api.HandlersGroup{
		UserHandler:  handler.NewUserHandler(userService),
		IMHandler:    handler.NewIMHandler(imService),
		WSHandler:    handler.NewWsHandler(imService),
		MediaHandler: handler.NewMediaHandler(),
	}

	router := api.SetupRouter(handlers)

	kafkaMgr, err := kafka.NewConsumerManager(cfg, convRepo, messageRepo, messageESRepo)
	if err != nil {
		return nil, err
	}

	cronMgr := cron.NewCronManager(job.NewPresenceCleanupJob())

	return &ApplicationContainer{
		Router:       router,
		DB:           db,
		KafkaManager: kafkaMgr,
		CronMgr:      cronMgr,
		IMService:    imService,
	}, nil
}
