package service

import (
	"Mindweave/internal/api/dto"
	"Mindweave/internal/model"
	"Mindweave/internal/pkg/consts"
	"Mindweave/internal/pkg/minio"
	"Mindweave/internal/pkg/redis"
	"Mindweave/internal/pkg/security"
	"Mindweave/internal/repository"
	"context"
	"time"

	"github.com/jinzhu/copier"
)

type UserService interface {
	Register(ctx context.Context, dto *dto.RegisterDTO) error
	Login(ctx context.Context, dto *dto.CredentialDTO) (string, error)
	Logout(ctx context.Context, token string) error
	GetUserInfo(ctx context.Context, id uint64) (*dto.UserDTO, error)
	UpdateAvatar(ctx context.Context, id uint64, objectName string) error
}

type UserServiceImpl struct {
	userRepo repository.UserRepo
}

func NewUserService(userRepo repository.UserRepo) UserService {
	return &UserServiceImpl{
		userRepo: userRepo,
	}
}

func (s *UserServiceImpl) Register(ctx context.Context, regDTO *dto.RegisterDTO) error {
	if regDTO.Username == nil || regDTO.Password == nil {
		return ErrMissingLoginCredentials
	}

	findUser, err := s.userRepo.GetUserByUsername(ctx, *regDTO.Username)
	if err != nil {
		return err
	}
	if findUser != nil {
		return ErrUserUsernameExist
	}

	user := &model.User{}
	err = copier.Copy(user, &regDTO)
	if err != nil {
		return err
	}

	passwordHash, err := security.HashPassword(*regDTO.Password)
	if err != nil {
		return err
	}
	user.Password = &passwordHash
	user.AvatarURL = consts.DefaultAvatarURL

	return s.userRepo.CreateUser(ctx, user)
}

func (s *UserServiceImpl) Login(ctx context.Context, credDTO *dto.CredentialDTO) (string, error) {
	if credDTO.Username == nil {
		return "", ErrMissingLoginCredentials
	}
	user, err := s.userRepo.GetUserByUsername(ctx, *credDTO.Username)
	if err != nil {
		return "", err
	}
	if user == nil || user.IsDelete {
		return "", ErrUserNotFound
	}
	if user.IsBan {
		return "", ErrUserBan
	}
	if credDTO.Password == nil || user.Password == nil {
		return "", ErrPasswordIncorrect
	}
	if err := security.CheckPasswordHash(*credDTO.Password, *user.Password); err != nil {
		return "", ErrPasswordIncorrect
	}

	token, err := security.GenerateToken(user.ID, []string{"user"})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (s *UserServiceImpl) Logout(ctx context.Context, token string) error {
	signature, err := security.ExtractSignature(token)
	if err != nil {
		return err
	}
	return redis.SetWithExpiration(ctx, signature, true, time.Hour*24)
}

func (s *UserServiceImpl) GetUserInfo(ctx context.Context, id uint64) (*dto.UserDTO, error) {
	user, err := s.userRepo.GetUserById(ctx, id)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	userDTO := &dto.UserDTO{}
	if err := copier.Copy(userDTO, user); err != nil {
		return nil, err
	}
	userDTO.UserID = &user.ID
	url := minio.GetPublicURL(user.AvatarURL)
	userDTO.AvatarURL = &url
	return userDTO, nil
}

func (s *UserServiceImpl) UpdateAvatar(ctx context.Context, id uint64, objectName string) error {
	user, err := s.userRepo.GetUserById(ctx, id)
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}
	user.AvatarURL = objectName
	return s.userRepo.UpdateUser(ctx, user)
}
