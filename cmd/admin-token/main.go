package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/mwork/mwork-reconciler/internal/config"
	"github.com/mwork/mwork-reconciler/internal/domain/user"
	"github.com/mwork/mwork-reconciler/internal/pkg/database"
	"github.com/mwork/mwork-reconciler/internal/pkg/jwt"
)

// admin-token mints an access token for the operator endpoints.
func main() {
	userFlag := flag.String("user", "", "admin user id")
	role := flag.String("role", jwt.RoleAdmin, "token role (admin or service)")
	flag.Parse()

	cfg := config.Load()

	if *role != jwt.RoleAdmin && *role != jwt.RoleService {
		log.Fatalf("unsupported role %q", *role)
	}

	userID, err := uuid.Parse(*userFlag)
	if *role == jwt.RoleService && *userFlag == "" {
		userID, err = uuid.Nil, nil
	}
	if err != nil {
		log.Fatalf("invalid -user: %v", err)
	}

	// Admin tokens are only minted for accounts that really are admins.
	if *role == jwt.RoleAdmin {
		db, err := database.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer database.ClosePostgres(db)

		u, err := user.NewRepository(db).GetByID(context.Background(), userID)
		if err != nil {
			log.Fatalf("lookup user %s: %v", userID, err)
		}
		if !u.IsAdmin() || !u.IsActive() {
			log.Fatalf("user %s is not an active admin", userID)
		}
	}

	token, err := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL).GenerateAccessToken(userID, *role)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	fmt.Println(token)
}
