package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"github.com/abclution/mikback/config"
	"github.com/abclution/mikback/devices"
	"github.com/abclution/mikback/sshutils"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"gopkg.in/src-d/go-billy.v4/memfs"
	"gopkg.in/src-d/go-git.v4"
	gitconfig "gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	httptransport "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
	sshtransport "gopkg.in/src-d/go-git.v4/plumbing/transport/ssh"
	"gopkg.in/src-d/go-git.v4/storage/memory"
)

const (
	DefaultDestinationPath = "{{.name}}/{{.file}}"
	DefaultCommitMessage   = "mikback {{.timestamp}}\n\n{{range .summary}}{{.}}\n{{end}}"
	DefaultSummary         = "{{.name}}: {{.file}}{{if .error}} ({{.error}}){{end}}"
)

type GitArchiveConfig struct {
	// Local repository path
	RepositoryPath string
	URL            string
	Pull           bool
	Username       string
	Password       string
	PemBytes       []byte

	// Name of the remote to be pulled. If empty, uses the default.
	RemoteName string
	// Remote branch to clone. If empty, uses HEAD.
	ReferenceName string
	Push          bool
	// RefSpecs specify what destination ref to update with what source
	// object. A refspec with empty src can be used to delete a reference.
	RefSpecs []string

	// Target path template relative to work tree
	DestinationPath string

	// Per artifact line of the commit message
	Summary string

	// Author name
	Name string
	// Author email
	Email         string
	CommitMessage string
}

type GitArchive struct {
	repo       *git.Repository
	conf       *GitArchiveConfig
	destTpl    *template.Template
	msgTpl     *template.Template
	summaryTpl *template.Template
	logger     *logrus.Logger
}

var errCloneURL = errors.New("git: clone URL must be specified")

func (g *GitArchiveConfig) authMethod() (transport.AuthMethod, error) {
	u, err := url.Parse(g.URL)
	if err != nil {
		u, err = url.Parse("ssh://" + g.URL)
		if err != nil {
			return nil, err
		}
	}

	username := g.Username
	password := g.Password

	if n := u.User.Username(); n != "" {
		username = n
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	if strings.HasPrefix(u.Scheme, "http") {
		return &httptransport.BasicAuth{
			Username: username,
			Password: password,
		}, nil
	}

	if g.PemBytes != nil {
		res, err := sshtransport.NewPublicKeys(username, g.PemBytes, g.Password)
		if err != nil {
			return nil, err
		}

		res.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		return res, nil
	}

	return &sshtransport.Password{
		User:     username,
		Password: password,
		HostKeyCallbackHelper: sshtransport.HostKeyCallbackHelper{
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		},
	}, nil
}

func (g *GitArchiveConfig) cloneOptions() (*git.CloneOptions, error) {
	auth, err := g.authMethod()
	if err != nil {
		return nil, err
	}

	return &git.CloneOptions{
		RemoteName:    g.RemoteName,
		ReferenceName: plumbing.ReferenceName(g.ReferenceName),
		URL:           g.URL,
		Auth:          auth,
	}, nil
}

func pull(ctx context.Context, repo *git.Repository, conf *GitArchiveConfig, logger *logrus.Logger) error {
	auth, err := conf.authMethod()
	if err != nil {
		return err
	}

	progress := logger.Writer()
	defer progress.Close()

	opts := git.PullOptions{
		RemoteName:    conf.RemoteName,
		ReferenceName: plumbing.ReferenceName(conf.ReferenceName),
		Auth:          auth,
		Progress:      progress,
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}

	logger.Infoln("pulling...")

	if err := wt.PullContext(ctx, &opts); err != nil {
		if err != git.NoErrAlreadyUpToDate {
			return err
		}
		logger.Infoln(err)
	}

	return nil
}

func initFS(ctx context.Context, conf *GitArchiveConfig, logger *logrus.Logger) (*git.Repository, error) {
	repo, err := git.PlainOpen(conf.RepositoryPath)
	if err == nil {
		logger.WithField("repository", conf.RepositoryPath).Infoln("using existing local Git repository")

		if conf.Pull {
			if err := pull(ctx, repo, conf, logger); err != nil {
				return nil, err
			}
		}

		return repo, nil
	}

	if err != git.ErrRepositoryNotExists {
		return nil, err
	}

	if conf.URL == "" {
		return nil, errCloneURL
	}

	logger.WithFields(logrus.Fields{
		"repository": conf.RepositoryPath,
		"url":        conf.URL,
	}).Infoln("cloning...")

	opt, err := conf.cloneOptions()
	if err != nil {
		return nil, err
	}

	progress := logger.Writer()
	defer progress.Close()

	opt.Progress = progress

	return git.PlainCloneContext(ctx, conf.RepositoryPath, false, opt)
}

func initMem(ctx context.Context, conf *GitArchiveConfig, logger *logrus.Logger) (*git.Repository, error) {
	if conf.URL == "" {
		return nil, errCloneURL
	}

	logger.WithField("url", conf.URL).Infoln("cloning into memory storage...")

	wt := memfs.New()
	dot := memory.NewStorage()

	opt, err := conf.cloneOptions()
	if err != nil {
		return nil, err
	}

	progress := logger.Writer()
	defer progress.Close()

	opt.Progress = progress

	return git.CloneContext(ctx, dot, wt, opt)
}

func NewGitArchive(ctx context.Context, conf *GitArchiveConfig, logger *logrus.Logger) (*GitArchive, error) {
	if conf.RepositoryPath == "" && conf.URL == "" {
		return nil, errors.New("git: Either repository path or URL must be specified")
	}

	if conf.Name == "" {
		return nil, errors.New("git: Missing commit author name")
	}

	if conf.Email == "" {
		return nil, errors.New("git: Missing commit email")
	}

	if conf.DestinationPath == "" {
		conf.DestinationPath = DefaultDestinationPath
	}

	if conf.CommitMessage == "" {
		conf.CommitMessage = DefaultCommitMessage
	}

	if conf.Summary == "" {
		conf.Summary = DefaultSummary
	}

	destTpl, err := template.New("destination").Parse(conf.DestinationPath)
	if err != nil {
		return nil, fmt.Errorf("git: %v", err)
	}

	msgTpl, err := template.New("message").Parse(conf.CommitMessage)
	if err != nil {
		return nil, fmt.Errorf("git: %v", err)
	}

	summaryTpl, err := template.New("summary").Parse(conf.Summary)
	if err != nil {
		return nil, fmt.Errorf("git: %v", err)
	}

	var repo *git.Repository

	if conf.RepositoryPath != "" {
		repo, err = initFS(ctx, conf, logger)
	} else {
		repo, err = initMem(ctx, conf, logger)
	}

	if err != nil {
		return nil, fmt.Errorf("git: %v", err)
	}

	return &GitArchive{
		repo:       repo,
		conf:       conf,
		destTpl:    destTpl,
		msgTpl:     msgTpl,
		summaryTpl: summaryTpl,
		logger:     logger,
	}, nil
}

type gitArchiveTx struct {
	wt        *git.Worktree
	g         *GitArchive
	metadata  devices.Metadata
	timestamp time.Time
	added     int
	log       []string
}

func (g *GitArchive) Begin(ctx context.Context, metadata devices.Metadata) (Tx, error) {
	wt, err := g.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("git: %v", err)
	}

	return &gitArchiveTx{
		g:         g,
		wt:        wt,
		metadata:  metadata,
		timestamp: time.Now(),
	}, nil
}

func (g *gitArchiveTx) copy(src, dest string) error {
	fs := g.wt.Filesystem

	// The artifact may already live inside the work tree
	if root := g.g.conf.RepositoryPath; root != "" {
		root, err1 := filepath.Abs(root)
		abs, err2 := filepath.Abs(src)
		if err1 == nil && err2 == nil && abs == filepath.Join(root, filepath.FromSlash(dest)) {
			return nil
		}
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := fs.MkdirAll(path.Dir(dest), 0777); err != nil {
		return err
	}

	out, err := fs.Create(dest)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}

func (g *gitArchiveTx) Add(ctx context.Context, src string, metadata devices.Metadata) error {
	var summary strings.Builder
	if err := g.g.summaryTpl.Execute(&summary, metadata); err != nil {
		return fmt.Errorf("git: %v", err)
	}
	g.log = append(g.log, summary.String())

	if metadata["error"] != nil {
		return nil
	}

	var dest strings.Builder
	if err := g.g.destTpl.Execute(&dest, metadata); err != nil {
		return fmt.Errorf("git: %v", err)
	}

	out := path.Clean(dest.String())

	g.g.logger.WithField("file", out).Debugln("archiving...")

	if err := g.copy(src, out); err != nil {
		return fmt.Errorf("git: %v", err)
	}

	if _, err := g.wt.Add(out); err != nil {
		return fmt.Errorf("git: %v", err)
	}

	g.added++

	return nil
}


func (g *gitArchiveTx) Commit(ctx context.Context) error {
	if g.added == 0 {
		g.g.logger.Infoln("git: nothing to commit")
		return nil
	}

	tdata := g.metadata.Append(devices.Metadata{
		"time":    g.timestamp,
		"summary": g.log,
	})

	var msg strings.Builder
	if err := g.g.msgTpl.Execute(&msg, tdata); err != nil {
		return fmt.Errorf("git: %v", err)
	}

	commit, err := g.wt.Commit(msg.String(), &git.CommitOptions{
		Author: &object.Signature{
			Name:  g.g.conf.Name,
			Email: g.g.conf.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("git: %v", err)
	}

	g.g.logger.WithFields(logrus.Fields{
		"hash":  commit.String(),
		"files": g.added,
	}).Infoln("committed")

	if _, err := g.g.repo.CommitObject(commit); err != nil {
		return fmt.Errorf("git: %v", err)
	}

	if !g.g.conf.Push {
		return nil
	}

	g.g.logger.Infoln("pushing...")

	auth, err := g.g.conf.authMethod()
	if err != nil {
		return fmt.Errorf("git: %v", err)
	}

	progress := g.g.logger.Writer()
	defer progress.Close()

	opts := git.PushOptions{
		RemoteName: g.g.conf.RemoteName,
		Auth:       auth,
		Progress:   progress,
	}

	if len(g.g.conf.RefSpecs) != 0 {
		opts.RefSpecs = make([]gitconfig.RefSpec, len(g.g.conf.RefSpecs))
		for i, v := range g.g.conf.RefSpecs {
			opts.RefSpecs[i] = gitconfig.RefSpec(v)
		}
	}

	if err := g.g.repo.PushContext(ctx, &opts); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("git: %v", err)
	}

	return nil
}

func newGitArchive(ctx context.Context, options config.Options, logger *logrus.Logger) (Archive, error) {
	var conf GitArchiveConfig
	conf.RepositoryPath, _ = options.GetString("repository_path")
	conf.URL, _ = options.GetString("url")
	conf.Pull, _ = options.GetBool("pull")
	conf.Username, _ = options.GetString("username")
	conf.Password, _ = options.GetString("password")

	if name, err := options.GetString("identity_file"); err == nil && name != "" {
		pem, err := sshutils.ReadIdentityFile(name)
		if err != nil {
			return nil, fmt.Errorf("git: %v", err)
		}
		conf.PemBytes = pem
	}

	conf.RemoteName, _ = options.GetString("remote_name")
	conf.ReferenceName, _ = options.GetString("reference_name")
	conf.Push, _ = options.GetBool("push")
	conf.RefSpecs, _ = options.GetStrings("ref_specs")

	conf.Summary, _ = options.GetString("summary")
	conf.DestinationPath, _ = options.GetString("destination_path")
	conf.Name, _ = options.GetString("name")
	conf.Email, _ = options.GetString("email")
	conf.CommitMessage, _ = options.GetString("commit_message")

	return NewGitArchive(ctx, &conf, logger)
}

func init() {
	registerArchive("git", newGitArchive)
}
