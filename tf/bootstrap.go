package tf

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	// DefaultTensorFlowVersion is the libtensorflow release bootstrap downloads
	// when no version is configured.
	DefaultTensorFlowVersion = "2.15.0"

	defaultBootstrapBaseURL = "https://storage.googleapis.com/tensorflow/versions"

	// defaultMaxDownloadSize caps archive downloads. The largest CPU archive
	// is well below this.
	defaultMaxDownloadSize int64 = 2 << 30
)

// Lock polling knobs. Variables so tests can shorten them.
var (
	bootstrapLockAcquireTimeout = 5 * time.Minute
	bootstrapLockRetryInterval  = 200 * time.Millisecond
)

var errSharedLibraryNotFound = errors.New("TensorFlow shared library not found")
var bootstrapCacheFallbackWarnOnce sync.Once

// BootstrapOption configures EnsureTensorFlowSharedLibrary.
type BootstrapOption func(*bootstrapConfig) error

type bootstrapConfig struct {
	libraryPath     string
	cacheDir        string
	version         string
	disableDownload bool
	expectedSHA256  string
	baseURL         string
	maxDownloadSize int64
	httpClient      *http.Client
	goos            string
	goarch          string
}

type libraryArtifact struct {
	platform         string
	archiveExtension string
	primaryLibrary   string
	libraryGlob      string
}

// WithBootstrapLibraryPath forces bootstrap to use an existing libtensorflow path.
func WithBootstrapLibraryPath(path string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		path = strings.TrimSpace(path)
		if path == "" {
			return errors.New("bootstrap library path cannot be empty")
		}
		cfg.libraryPath = path
		return nil
	}
}

// WithBootstrapCacheDir sets the directory downloads are extracted into.
func WithBootstrapCacheDir(dir string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			return errors.New("bootstrap cache directory cannot be empty")
		}
		cfg.cacheDir = dir
		return nil
	}
}

// WithBootstrapVersion sets the libtensorflow version to download (for example: 2.15.0).
func WithBootstrapVersion(version string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		version = strings.TrimSpace(version)
		if version == "" {
			return errors.New("bootstrap version cannot be empty")
		}
		cfg.version = version
		return nil
	}
}

// WithBootstrapDisableDownload restricts bootstrap to the local cache.
func WithBootstrapDisableDownload(disable bool) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		cfg.disableDownload = disable
		return nil
	}
}

// WithBootstrapExpectedSHA256 enforces a checksum on the downloaded archive.
func WithBootstrapExpectedSHA256(checksum string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		checksum = strings.TrimSpace(strings.ToLower(checksum))
		if len(checksum) != sha256.Size*2 {
			return errors.New("expected SHA256 checksum must be 64 hex characters")
		}
		if _, err := hex.DecodeString(checksum); err != nil {
			return errors.New("expected SHA256 checksum must be lowercase hex")
		}
		cfg.expectedSHA256 = checksum
		return nil
	}
}

func withBootstrapBaseURL(baseURL string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		baseURL = strings.TrimSpace(baseURL)
		if baseURL == "" {
			return errors.New("bootstrap base URL cannot be empty")
		}
		u, err := url.Parse(baseURL)
		if err != nil {
			return errors.Wrapf(err, "invalid bootstrap base URL %q", baseURL)
		}
		if u.Host == "" || u.Hostname() == "" {
			return errors.Errorf("bootstrap base URL %q has no host", baseURL)
		}
		switch u.Scheme {
		case "https":
		case "http":
			if !isLoopbackHost(u.Hostname()) {
				return errors.Errorf("bootstrap base URL %q must use https unless it points at a loopback host", baseURL)
			}
		default:
			return errors.Errorf("bootstrap base URL %q must use https", baseURL)
		}
		cfg.baseURL = baseURL
		return nil
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func withBootstrapHTTPClient(client *http.Client) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		if client == nil {
			return errors.New("bootstrap HTTP client cannot be nil")
		}
		cfg.httpClient = client
		return nil
	}
}

func withBootstrapPlatform(goos, goarch string) BootstrapOption {
	return func(cfg *bootstrapConfig) error {
		cfg.goos, cfg.goarch = goos, goarch
		return nil
	}
}

// EnsureTensorFlowSharedLibrary returns an absolute path to libtensorflow,
// downloading and caching the CPU build for this platform when needed.
func EnsureTensorFlowSharedLibrary(opts ...BootstrapOption) (string, error) {
	cfg, err := resolveBootstrapConfig(opts...)
	if err != nil {
		return "", err
	}

	if cfg.libraryPath != "" {
		return validateLibraryFile(cfg.libraryPath)
	}

	artifact, err := resolveLibraryArtifact(cfg.goos, cfg.goarch)
	if err != nil {
		return "", err
	}

	installDir := filepath.Join(cfg.cacheDir, artifact.installName(cfg.version))
	if path, resolveErr := resolveExtractedLibraryPath(installDir, artifact); resolveErr == nil {
		return path, nil
	} else if !errors.Is(resolveErr, errSharedLibraryNotFound) {
		return "", resolveErr
	}

	if cfg.disableDownload {
		return "", errors.Errorf("TensorFlow library not found in cache and download is disabled: %s", installDir)
	}

	if err := os.MkdirAll(cfg.cacheDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create bootstrap cache directory %q", cfg.cacheDir)
	}

	lockPath := filepath.Join(cfg.cacheDir, ".locks", artifact.installName(cfg.version)+".lock")
	var resolvedPath string
	err = withProcessFileLock(lockPath, func() error {
		if path, resolveErr := resolveExtractedLibraryPath(installDir, artifact); resolveErr == nil {
			resolvedPath = path
			return nil
		} else if !errors.Is(resolveErr, errSharedLibraryNotFound) {
			return resolveErr
		}

		if err := downloadAndInstallLibrary(cfg, artifact, installDir); err != nil {
			return err
		}

		path, resolveErr := resolveExtractedLibraryPath(installDir, artifact)
		if resolveErr != nil {
			return errors.Wrap(resolveErr, "bootstrap completed but shared library could not be resolved")
		}
		resolvedPath = path
		return nil
	})
	if err != nil {
		return "", err
	}
	return resolvedPath, nil
}

// InitializeEnvironmentWithBootstrap resolves libtensorflow via bootstrap,
// sets it as the shared library path and initializes the environment.
func InitializeEnvironmentWithBootstrap(opts ...BootstrapOption) error {
	path, err := EnsureTensorFlowSharedLibrary(opts...)
	if err != nil {
		return err
	}

	mu.Lock()
	alreadyInitialized := refCount > 0
	currentPath := libPath
	mu.Unlock()

	if alreadyInitialized && currentPath != path {
		return errors.New("cannot change library path after environment is initialized")
	}

	if !alreadyInitialized {
		if err := SetSharedLibraryPath(path); err != nil {
			// Another goroutine may have initialized after we checked state.
			mu.Lock()
			alreadyInitialized = refCount > 0
			currentPath = libPath
			mu.Unlock()
			if !(alreadyInitialized && currentPath == path) {
				return err
			}
		}
	}

	return InitializeEnvironment()
}

func resolveBootstrapConfig(opts ...BootstrapOption) (bootstrapConfig, error) {
	disableDownload, err := parseBootstrapBoolEnv("TENSORFLOW_DISABLE_DOWNLOAD")
	if err != nil {
		return bootstrapConfig{}, err
	}

	cfg := bootstrapConfig{
		libraryPath:     strings.TrimSpace(os.Getenv("TENSORFLOW_LIB_PATH")),
		cacheDir:        strings.TrimSpace(os.Getenv("TENSORFLOW_CACHE_DIR")),
		version:         strings.TrimSpace(os.Getenv("TENSORFLOW_VERSION")),
		disableDownload: disableDownload,
		baseURL:         defaultBootstrapBaseURL,
		maxDownloadSize: defaultMaxDownloadSize,
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		goos:   runtime.GOOS,
		goarch: runtime.GOARCH,
	}
	if cfg.version == "" {
		cfg.version = DefaultTensorFlowVersion
	}
	if cfg.cacheDir == "" {
		cfg.cacheDir = defaultBootstrapCacheDir()
	}

	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&cfg); err != nil {
			return bootstrapConfig{}, err
		}
	}

	version, err := normalizeLibraryVersion(cfg.version)
	if err != nil {
		return bootstrapConfig{}, err
	}
	cfg.version = version
	cfg.cacheDir = filepath.Clean(cfg.cacheDir)
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	return cfg, nil
}

func resolveLibraryArtifact(goos, goarch string) (libraryArtifact, error) {
	switch {
	case goos == "linux" && goarch == "amd64":
		return libraryArtifact{
			platform:         "linux-x86_64",
			archiveExtension: "tar.gz",
			primaryLibrary:   "libtensorflow.so",
			libraryGlob:      "libtensorflow.so*",
		}, nil
	case goos == "darwin" && goarch == "arm64":
		return libraryArtifact{
			platform:         "darwin-arm64",
			archiveExtension: "tar.gz",
			primaryLibrary:   "libtensorflow.dylib",
			libraryGlob:      "libtensorflow*.dylib",
		}, nil
	case goos == "darwin" && goarch == "amd64":
		return libraryArtifact{
			platform:         "darwin-x86_64",
			archiveExtension: "tar.gz",
			primaryLibrary:   "libtensorflow.dylib",
			libraryGlob:      "libtensorflow*.dylib",
		}, nil
	case goos == "windows" && goarch == "amd64":
		return libraryArtifact{
			platform:         "windows-x86_64",
			archiveExtension: "zip",
			primaryLibrary:   "tensorflow.dll",
			libraryGlob:      "tensorflow*.dll",
		}, nil
	}
	return libraryArtifact{}, errors.Errorf("unsupported platform for TensorFlow bootstrap: GOOS=%s GOARCH=%s", goos, goarch)
}

func (a libraryArtifact) installName(version string) string {
	return fmt.Sprintf("libtensorflow-cpu-%s-%s", a.platform, version)
}

func (a libraryArtifact) downloadURL(baseURL, version string) string {
	return fmt.Sprintf("%s/%s/libtensorflow-cpu-%s.%s", strings.TrimRight(baseURL, "/"), version, a.platform, a.archiveExtension)
}

func downloadAndInstallLibrary(cfg bootstrapConfig, artifact libraryArtifact, installDir string) error {
	archiveURL := artifact.downloadURL(cfg.baseURL, cfg.version)
	Logger().Info("downloading libtensorflow", zap.String("url", archiveURL), zap.String("install_dir", installDir))

	archivePath, checksum, err := downloadArchive(cfg, archiveURL)
	if err != nil {
		return err
	}
	defer func() {
		_ = os.Remove(archivePath)
	}()

	if cfg.expectedSHA256 != "" && checksum != cfg.expectedSHA256 {
		return errors.Errorf("download checksum mismatch: expected %s, got %s", cfg.expectedSHA256, checksum)
	}

	stagingDir := fmt.Sprintf("%s.staging-%d", installDir, time.Now().UnixNano())
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create bootstrap staging directory %q", stagingDir)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	if err := extractArchiveFile(archivePath, stagingDir, artifact.archiveExtension); err != nil {
		return err
	}
	if _, err := resolveExtractedLibraryPath(stagingDir, artifact); err != nil {
		if errors.Is(err, errSharedLibraryNotFound) {
			return errors.Errorf("downloaded archive did not contain expected shared library in %q", filepath.Join(stagingDir, "lib"))
		}
		return err
	}

	if err := os.RemoveAll(installDir); err != nil {
		return errors.Wrapf(err, "failed to remove previous TensorFlow install at %q", installDir)
	}
	if err := os.Rename(stagingDir, installDir); err != nil {
		return errors.Wrapf(err, "failed to install TensorFlow to %q", installDir)
	}
	Logger().Info("libtensorflow installed", zap.String("install_dir", installDir), zap.String("sha256", checksum))
	return nil
}

func downloadArchive(cfg bootstrapConfig, archiveURL string) (archivePath string, checksum string, err error) {
	req, err := http.NewRequest(http.MethodGet, archiveURL, nil)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to create download request for %q", archiveURL)
	}

	resp, err := cfg.httpClient.Do(req)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to download TensorFlow archive from %q", archiveURL)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if s := strings.TrimSpace(string(snippet)); s != "" {
			return "", "", errors.Errorf("failed to download TensorFlow archive from %q: HTTP %d: %s", archiveURL, resp.StatusCode, s)
		}
		return "", "", errors.Errorf("failed to download TensorFlow archive from %q: HTTP %d", archiveURL, resp.StatusCode)
	}

	if cfg.maxDownloadSize > 0 && resp.ContentLength > cfg.maxDownloadSize {
		return "", "", errors.Errorf("TensorFlow archive exceeds maximum size limit (content-length=%d, limit=%d)", resp.ContentLength, cfg.maxDownloadSize)
	}

	tmpFile, err := os.CreateTemp(cfg.cacheDir, "libtensorflow-*.archive")
	if err != nil {
		return "", "", errors.Wrap(err, "failed to create temporary archive file")
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if closeErr := tmpFile.Close(); err == nil && closeErr != nil {
			err = closeErr
		}
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	body := io.Reader(resp.Body)
	if cfg.maxDownloadSize > 0 {
		body = io.LimitReader(resp.Body, cfg.maxDownloadSize+1)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmpFile, hasher), body)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to write TensorFlow archive to %q", tmpPath)
	}
	if cfg.maxDownloadSize > 0 && written > cfg.maxDownloadSize {
		return "", "", errors.Errorf("TensorFlow archive exceeds maximum size limit of %d bytes", cfg.maxDownloadSize)
	}
	if written == 0 {
		return "", "", errors.New("downloaded TensorFlow archive is empty")
	}

	success = true
	return tmpPath, hex.EncodeToString(hasher.Sum(nil)), nil
}

func extractArchiveFile(archivePath, destinationDir, extension string) error {
	switch extension {
	case "tar.gz":
		return extractTarGz(archivePath, destinationDir)
	case "zip":
		return extractZip(archivePath, destinationDir)
	default:
		return errors.Errorf("unsupported archive extension %q", extension)
	}
}

func extractTarGz(archivePath, destinationDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open archive %q", archivePath)
	}
	defer func() {
		_ = archiveFile.Close()
	}()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return errors.Wrapf(err, "failed to read gzip archive %q", archivePath)
	}
	defer func() {
		_ = gzipReader.Close()
	}()

	tarReader := tar.NewReader(gzipReader)
	regularFiles := 0
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed to read tar entry from %q", archivePath)
		}

		targetPath, err := secureArchiveJoin(destinationDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", targetPath)
			}
		case tar.TypeReg:
			if err := writeExtractedFile(targetPath, header.FileInfo().Mode().Perm(), tarReader); err != nil {
				return err
			}
			regularFiles++
		case tar.TypeSymlink:
			// libtensorflow ships versioned libraries behind relative links.
			if err := extractSymlink(destinationDir, header.Name, header.Linkname, targetPath); err != nil {
				return err
			}
		default:
			continue
		}
	}

	if regularFiles == 0 {
		return errors.Errorf("archive %q did not contain regular files", archivePath)
	}
	return nil
}

func extractZip(archivePath, destinationDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrapf(err, "failed to open ZIP archive %q", archivePath)
	}
	defer func() {
		_ = reader.Close()
	}()

	regularFiles := 0
	for _, entry := range reader.File {
		targetPath, err := secureArchiveJoin(destinationDir, entry.Name)
		if err != nil {
			return err
		}
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", targetPath)
			}
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open ZIP entry %q", entry.Name)
		}
		writeErr := writeExtractedFile(targetPath, entry.Mode().Perm(), rc)
		if err := multierr.Combine(writeErr, rc.Close()); err != nil {
			return err
		}
		regularFiles++
	}

	if regularFiles == 0 {
		return errors.Errorf("archive %q did not contain regular files", archivePath)
	}
	return nil
}

func writeExtractedFile(targetPath string, mode os.FileMode, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create parent directory for %q", targetPath)
	}
	if mode == 0 {
		mode = 0o644
	}
	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errors.Wrapf(err, "failed to create extracted file %q", targetPath)
	}
	if _, err := io.Copy(outFile, src); err != nil {
		_ = outFile.Close()
		return errors.Wrapf(err, "failed to extract file %q", targetPath)
	}
	return errors.Wrapf(outFile.Close(), "failed to close extracted file %q", targetPath)
}

// extractSymlink creates a link only when its target resolves inside
// destinationDir.
func extractSymlink(destinationDir, entryName, linkname, targetPath string) error {
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return errors.Errorf("unsafe absolute symlink %q -> %q", entryName, linkname)
	}
	resolved := filepath.ToSlash(filepath.Join(filepath.Dir(filepath.FromSlash(entryName)), filepath.FromSlash(linkname)))
	if _, err := secureArchiveJoin(destinationDir, resolved); err != nil {
		return errors.Wrapf(err, "unsafe symlink %q -> %q", entryName, linkname)
	}
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create parent directory for %q", targetPath)
	}
	_ = os.Remove(targetPath)
	return errors.Wrapf(os.Symlink(linkname, targetPath), "failed to create symlink %q", targetPath)
}

func resolveExtractedLibraryPath(installDir string, artifact libraryArtifact) (string, error) {
	libDir := filepath.Join(installDir, "lib")

	var invalid error
	track := func(path string, validationErr error) {
		if validationErr == nil || errors.Is(validationErr, os.ErrNotExist) {
			return
		}
		invalid = multierr.Append(invalid, errors.Wrap(validationErr, path))
	}

	primaryPath := filepath.Join(libDir, artifact.primaryLibrary)
	path, err := validateLibraryFile(primaryPath)
	if err == nil {
		return path, nil
	}
	track(primaryPath, err)

	matches, err := filepath.Glob(filepath.Join(libDir, artifact.libraryGlob))
	if err != nil {
		return "", errors.Wrap(err, "failed to resolve TensorFlow library path")
	}
	sort.Strings(matches)
	for _, match := range matches {
		path, err := validateLibraryFile(match)
		if err == nil {
			return path, nil
		}
		track(match, err)
	}

	if invalid != nil {
		return "", errors.Wrapf(invalid, "found TensorFlow shared library candidates in %q but none are valid", libDir)
	}
	return "", errSharedLibraryNotFound
}

func validateLibraryFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("library path is empty")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve absolute path for %q", path)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat library file %q", absPath)
	}
	if info.IsDir() {
		return "", errors.Errorf("library path points to a directory: %q", absPath)
	}
	if info.Size() == 0 {
		return "", errors.Errorf("library file is empty: %q", absPath)
	}
	return absPath, nil
}

// withProcessFileLock runs fn while holding an exclusive lock on lockPath,
// polling until the lock is free or bootstrapLockAcquireTimeout passes.
func withProcessFileLock(lockPath string, fn func() error) (err error) {
	if fn == nil {
		return errors.New("lock callback is nil")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create lock directory for %q", lockPath)
	}

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "failed to open lock file %q", lockPath)
	}

	start := time.Now()
	waitLogged := false
	for {
		lockErr := tryLockCache(file)
		if lockErr == nil {
			break
		}
		if !isCacheLockHeld(lockErr) {
			_ = file.Close()
			return errors.Wrapf(lockErr, "failed to acquire lock %q", lockPath)
		}
		if time.Since(start) >= bootstrapLockAcquireTimeout {
			_ = file.Close()
			return errors.Errorf("timed out acquiring lock %q after %s", lockPath, bootstrapLockAcquireTimeout)
		}
		if !waitLogged {
			Logger().Info("waiting for another process to finish installing libtensorflow", zap.String("lock", lockPath))
			waitLogged = true
		}
		time.Sleep(bootstrapLockRetryInterval)
	}

	defer func() {
		err = multierr.Combine(err, unlockCache(file), file.Close())
	}()

	return fn()
}

func secureArchiveJoin(baseDir, archivePath string) (string, error) {
	archivePath = strings.TrimSpace(archivePath)
	if archivePath == "" {
		return "", errors.New("invalid empty archive entry path")
	}

	normalized := strings.ReplaceAll(archivePath, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return "", errors.Errorf("invalid absolute archive entry path %q", archivePath)
	}
	if len(normalized) >= 2 && normalized[1] == ':' && isASCIILetter(normalized[0]) {
		return "", errors.Errorf("invalid archive entry path with drive letter %q", archivePath)
	}

	cleaned := filepath.Clean(filepath.FromSlash(normalized))
	if cleaned == "." {
		return "", errors.Errorf("invalid archive entry path %q", archivePath)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) {
		return "", errors.Errorf("unsafe archive entry path %q", archivePath)
	}

	targetPath := filepath.Join(baseDir, cleaned)
	relPath, err := filepath.Rel(baseDir, targetPath)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve archive path %q", archivePath)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(os.PathSeparator)) {
		return "", errors.Errorf("unsafe archive entry path %q", archivePath)
	}
	return targetPath, nil
}

func isASCIILetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func defaultBootstrapCacheDir() string {
	cacheDir, err := os.UserCacheDir()
	if err == nil && cacheDir != "" {
		return filepath.Join(cacheDir, "pure-tf", "libtensorflow")
	}

	fallback := filepath.Join(os.TempDir(), "pure-tf", "libtensorflow")
	bootstrapCacheFallbackWarnOnce.Do(func() {
		Logger().Warn("using temporary TensorFlow cache; set TENSORFLOW_CACHE_DIR for a persistent cache",
			zap.String("cache_dir", fallback),
			zap.Error(err),
		)
	})
	return fallback
}

// normalizeLibraryVersion accepts "v2.15", "2.15.0" and similar and returns
// the canonical x.y.z form. Versions below MinimumVersion are rejected.
func normalizeLibraryVersion(version string) (string, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return "", errors.New("TensorFlow version is empty")
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", errors.Wrapf(err, "TensorFlow version must have format x.y.z, got %q", version)
	}
	minimum, err := semver.NewConstraint(">= " + MinimumVersion)
	if err != nil {
		return "", errors.Wrap(err, "invalid minimum version constraint")
	}
	if !minimum.Check(v) {
		return "", errors.Errorf("TensorFlow version %s is older than the supported minimum %s", v, MinimumVersion)
	}
	return v.String(), nil
}

func parseBootstrapBoolEnv(name string) (bool, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return false, nil
	}

	parsed, err := strconv.ParseBool(value)
	if err == nil {
		return parsed, nil
	}

	switch strings.ToLower(value) {
	case "yes", "y", "on":
		return true, nil
	case "no", "n", "off":
		return false, nil
	default:
		return false, errors.Errorf("invalid boolean value for %s: %q (expected true/false, 1/0, yes/no, on/off)", name, value)
	}
}
