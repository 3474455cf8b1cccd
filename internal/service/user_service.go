package service

import (
	"context"
	"errors"

	"turbomerch/internal/model"
	"turbomerch/internal/repository"
)

var ErrUserNotFound = errors.New("user not found")

type UserService interface {
	Create(ctx context.Context, u *model.User) (*model.User, error)
	Get(ctx context.Context, id string) (*model.User, error)
}

type userService struct {
	userRepo repository.UserRepository
	subRepo  repository.SubscriptionRepository
}

func NewUserService(userRepo repository.UserRepository, subRepo repository.SubscriptionRepository) UserService {
	return &userService{userRepo: userRepo, subRepo: subRepo}
}

// Create stores the profile and ensures the user starts on the free tier.
func (s *userService) Create(ctx context.Context, u *model.User) (*model.User, error) {
	if err := s.userRepo.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	if err := s.subRepo.EnsureSubscription(ctx, u.UserID); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *userService) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := s.userRepo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}
