// Package mqttauth answers the broker's authentication questions: whether a
// skill may connect, whether it may use a topic, and whether it is a
// superuser (never). It reads the registry and keeps no state of its own.
package mqttauth

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/dyluth/skillbox/internal/apierr"
	"github.com/dyluth/skillbox/internal/credential"
	"github.com/dyluth/skillbox/pkg/skill"
)

// IdentitySource looks up registered skills.
type IdentitySource interface {
	Get(ctx context.Context, name string) (skill.Identity, bool, error)
}

var (
	intentTopic   = regexp.MustCompile(`^hermes/intent/[^/]+`)
	dialogueTopic = regexp.MustCompile(`^hermes/dialogueManager/[^/]+`)
)

// Service evaluates broker auth requests.
type Service struct {
	identities IdentitySource
	hasher     credential.Hasher
	logger     *slog.Logger
}

// New creates the authorization service.
func New(identities IdentitySource, hasher credential.Hasher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{identities: identities, hasher: hasher, logger: logger.With("component", "mqttauth")}
}

// Login checks a skill's broker password.
func (s *Service) Login(ctx context.Context, username, password string) error {
	identity, err := s.lookup(ctx, username)
	if err != nil {
		return err
	}

	ok, err := s.hasher.Verify(identity.SecretHash, password)
	if err != nil {
		s.logger.Warn("stored hash could not be verified", "event", "login_hash_invalid", "skill", username, "error", err)
		return apierr.New(apierr.CodeUnauthorized, "incorrect password")
	}
	if !ok {
		s.logger.Info("login rejected", "event", "login_rejected", "skill", username)
		return apierr.New(apierr.CodeUnauthorized, "incorrect password")
	}
	return nil
}

// CheckACL decides whether username may perform acc on topic. acc is the
// numeric access code as sent by the broker.
func (s *Service) CheckACL(ctx context.Context, username, topic, acc string) error {
	identity, err := s.lookup(ctx, username)
	if err != nil {
		return err
	}

	access, err := ParseAccess(acc)
	if err != nil {
		return err
	}

	if err := Decide(identity, topic, access); err != nil {
		s.logger.Debug("topic denied", "event", "acl_denied", "skill", username, "topic", topic, "acc", int(access))
		return err
	}
	return nil
}

// Superuser always refuses: skills never get superuser rights.
func (s *Service) Superuser(_ context.Context, username string) error {
	s.logger.Debug("superuser check", "event", "superuser_denied", "skill", username)
	return apierr.New(apierr.CodeForbidden, "superuser not allowed")
}

// ParseAccess converts the broker's acc form value.
func ParseAccess(raw string) (skill.Access, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, apierr.New(apierr.CodeInvalidAccess, "acc must be an integer, got %q", raw)
	}
	return skill.Access(n), nil
}

// Decide applies the topic policy for one identity. Intent topics are
// readable and subscribable by everyone, dialogue manager topics are
// writable by everyone, and anything else needs an exact entry in the
// identity's topic map with the same access code.
func Decide(identity skill.Identity, topic string, acc skill.Access) error {
	readish := acc == skill.AccessRead || acc == skill.AccessSubscribe

	if readish && intentTopic.MatchString(topic) {
		return nil
	}
	if readish && ownIntentTopic(identity.Name).MatchString(topic) {
		return nil
	}
	if acc == skill.AccessWrite && dialogueTopic.MatchString(topic) {
		return nil
	}

	stored, ok := identity.AccessFor(topic)
	if !ok || stored != acc {
		return apierr.New(apierr.CodeForbidden, "topic forbidden")
	}
	return nil
}

func ownIntentTopic(name string) *regexp.Regexp {
	return regexp.MustCompile(`^hermes/intent/` + regexp.QuoteMeta(name) + `/[^/]+`)
}

func (s *Service) lookup(ctx context.Context, username string) (skill.Identity, error) {
	identity, found, err := s.identities.Get(ctx, username)
	if err != nil {
		return skill.Identity{}, apierr.Wrap(apierr.CodeInternal, err, "failed to read registry")
	}
	if !found {
		return skill.Identity{}, apierr.New(apierr.CodeNotFound, "skill not found")
	}
	return identity, nil
}
