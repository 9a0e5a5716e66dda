package session

import (
	"context"
	"errors"

	"github.com/MrWong99/voicepay/internal/bank"
	"github.com/MrWong99/voicepay/internal/observe"
	"github.com/MrWong99/voicepay/internal/userstore"
	"github.com/MrWong99/voicepay/pkg/face"
)

// Spoken lines of the login screen.
const (
	lineNeedMobile       = "Please enter your mobile number"
	lineVerifyingFace    = "Verifying face identity."
	lineLoginNoFace      = "Face not detected. Look at the camera."
	lineLookupFailed     = "User not found or error."
	lineFaceMismatch     = "Face mismatch. Access denied."
	lineRegisterNoMobile = "Enter mobile number first."
	lineRegistering      = "Registering. Hold still."
	lineRegisterNoFace   = "Face not detected."
	lineRegistered       = "Registration successful. You can login now."
	lineRegisterFailed   = "Registration failed."
)

// beginLogin starts a face login for the entered mobile number unless one
// is already running.
func (s *Session) beginLogin() {
	if s.mobile == "" {
		s.say(lineNeedMobile)
		return
	}
	if !s.auth.TryBegin() {
		return
	}
	s.status = "Verifying..."
	s.say(lineVerifyingFace)
	s.changed()

	gen, mobile := s.gen, s.mobile
	s.wg.Add(1)
	go s.login(gen, mobile)
}

func (s *Session) login(gen uint64, mobile string) {
	ctx, span := observe.StartSpan(s.ctx, "session.login")
	line, profile, err := s.authenticate(ctx, mobile)
	observe.EndSpan(span, err)

	s.mu.Lock()
	s.auth.End()
	s.wg.Done()
	if s.closed {
		s.unlock()
		return
	}
	if gen != s.gen {
		s.changed()
		s.unlock()
		return
	}
	s.status = ""
	s.say(line)
	if err == nil {
		s.signIn(profile)
	}
	s.changed()
	s.unlock()
}

// authenticate captures the live face, looks the user up and compares the
// two descriptors. It returns the line to speak and, on success, the profile.
func (s *Session) authenticate(ctx context.Context, mobile string) (string, userstore.Profile, error) {
	live, err := s.cfg.Face.Capture(ctx)
	if err != nil {
		if errors.Is(err, face.ErrNotVisible) {
			s.cfg.Metrics.RecordFaceVerification(ctx, "login", observe.FaceNotVisible)
			return lineLoginNoFace, userstore.Profile{}, err
		}
		s.cfg.Metrics.RecordFaceVerification(ctx, "login", observe.FaceError)
		return lineLookupFailed, userstore.Profile{}, err
	}

	profile, err := s.cfg.Users.Lookup(ctx, mobile)
	if err != nil {
		observe.Logger(ctx).Info("session: login lookup failed", "mobile", mobile, "err", err)
		return lineLookupFailed, userstore.Profile{}, err
	}

	if len(profile.FaceDescriptor) == 0 {
		s.cfg.Metrics.RecordFaceVerification(ctx, "login", observe.FaceMismatch)
		return lineFaceMismatch, userstore.Profile{}, face.ErrNoReference
	}
	dist, err := face.Distance(live, profile.FaceDescriptor)
	if err != nil || dist >= s.cfg.Face.Threshold() {
		s.cfg.Metrics.RecordFaceVerification(ctx, "login", observe.FaceMismatch)
		return lineFaceMismatch, userstore.Profile{}, face.ErrMismatch
	}
	s.cfg.Metrics.RecordFaceVerification(ctx, "login", observe.FaceVerified)
	return "Welcome back, " + profile.Name, profile, nil
}

// signIn opens the session ledger for profile and lands on the dashboard.
func (s *Session) signIn(profile userstore.Profile) {
	s.profile = &profile
	s.account = bank.NewAccount(profile.Mobile,
		bank.WithBalance(s.cfg.InitialBalance),
		bank.WithObserver(s.recorded),
	)
	s.messages = nil
	s.setScreen(ScreenDashboard)
}

// recorded forwards a new ledger entry to the feed and refreshes the view.
func (s *Session) recorded(owner string, tx bank.Transaction) {
	s.cfg.Ledger.Publish(owner, tx)

	s.mu.Lock()
	defer s.unlock()
	if !s.closed {
		s.changed()
	}
}

// beginRegister enrols the face in front of the camera under the entered
// mobile number. imageURL is the optional snapshot taken by the client.
func (s *Session) beginRegister(imageURL string) {
	if s.mobile == "" {
		s.say(lineRegisterNoMobile)
		return
	}
	if !s.auth.TryBegin() {
		return
	}
	s.status = "Registering..."
	s.say(lineRegistering)
	s.changed()

	gen, mobile := s.gen, s.mobile
	s.wg.Add(1)
	go s.register(gen, mobile, imageURL)
}

func (s *Session) register(gen uint64, mobile, imageURL string) {
	ctx, span := observe.StartSpan(s.ctx, "session.register")
	line, err := s.enrol(ctx, mobile, imageURL)
	observe.EndSpan(span, err)

	s.mu.Lock()
	s.auth.End()
	s.wg.Done()
	if s.closed {
		s.unlock()
		return
	}
	if gen != s.gen {
		s.changed()
		s.unlock()
		return
	}
	s.status = ""
	s.say(line)
	s.changed()
	s.unlock()
}

func (s *Session) enrol(ctx context.Context, mobile, imageURL string) (string, error) {
	live, err := s.cfg.Face.Capture(ctx)
	if err != nil {
		if errors.Is(err, face.ErrNotVisible) {
			return lineRegisterNoFace, err
		}
		return lineRegisterFailed, err
	}
	_, err = s.cfg.Users.Register(ctx, userstore.Profile{
		Mobile:         mobile,
		Name:           userstore.DefaultName(mobile),
		FaceDescriptor: live,
		FaceImageURL:   imageURL,
	})
	if err != nil {
		observe.Logger(ctx).Info("session: registration failed", "mobile", mobile, "err", err)
		return lineRegisterFailed, err
	}
	return lineRegistered, nil
}
